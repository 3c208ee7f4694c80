package license

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AurSwift/AurSwiftDesktop-sub001/pkg/licensing"
)

const defaultClientTimeout = 15 * time.Second

// ClientConfig controls the activation client.
type ClientConfig struct {
	ServerURL          string
	APIToken           string
	Timeout            time.Duration
	InsecureSkipVerify bool
	Logger             *zerolog.Logger
}

// Client performs activate/validate/heartbeat/deactivate calls against the
// remote license authority. Every call carries an explicit timeout; a
// timed-out call is treated identically to a failed call.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// EntitlementData is the server's entitlement snapshot returned by activate
// and validate.
type EntitlementData struct {
	ActivationID       string                       `json:"activationId"`
	PlanID             string                       `json:"planId"`
	PlanName           string                       `json:"planName"`
	MaxTerminals       int                          `json:"maxTerminals"`
	CurrentActivations int                          `json:"currentActivations"`
	Features           []string                     `json:"features"`
	ExpiresAt          *time.Time                   `json:"expiresAt,omitempty"`
	TrialEnd           *time.Time                   `json:"trialEnd,omitempty"`
	SubscriptionStatus licensing.SubscriptionStatus `json:"subscriptionStatus"`
	BusinessName       string                       `json:"businessName,omitempty"`
}

type licenseRequest struct {
	LicenseKey         string `json:"licenseKey"`
	TerminalName       string `json:"terminalName,omitempty"`
	MachineFingerprint string `json:"machineFingerprint"`
}

type licenseResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Code    string           `json:"code,omitempty"`
	Data    *EntitlementData `json:"data,omitempty"`
}

// NewClient constructs an activation client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("license server URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.InsecureSkipVerify {
		//nolint:gosec // Insecure mode is explicitly user-controlled.
		tlsConfig.InsecureSkipVerify = true
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "license-client").Logger()
	} else {
		logger = zerolog.Nop()
	}

	return &Client{
		baseURL:  baseURL,
		apiToken: cfg.APIToken,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
		},
		logger: logger,
	}, nil
}

// Activate binds the license key to this machine and claims an activation
// slot. Fails with ErrInvalidKey, ErrTerminalLimitReached or
// ErrNetworkUnavailable.
func (c *Client) Activate(ctx context.Context, key, terminalName, fingerprint string) (*EntitlementData, error) {
	resp, err := c.post(ctx, "/api/v2/licenses/activate", licenseRequest{
		LicenseKey:         key,
		TerminalName:       terminalName,
		MachineFingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.denialError(resp)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%w: activation response missing data", ErrServerRejected)
	}
	return resp.Data, nil
}

// Validate fetches a fresh entitlement snapshot for the key. An
// authoritative denial returns ErrServerRejected.
func (c *Client) Validate(ctx context.Context, key, fingerprint string) (*EntitlementData, error) {
	resp, err := c.post(ctx, "/api/v2/licenses/validate", licenseRequest{
		LicenseKey:         key,
		MachineFingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.denialError(resp)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%w: validation response missing data", ErrServerRejected)
	}
	return resp.Data, nil
}

// Heartbeat is a lightweight liveness ping. It returns the subscription
// status when the server reports one, so cancellations and plan changes
// surface without a full validation. An empty status means the server sent
// none and the stored status must be kept.
func (c *Client) Heartbeat(ctx context.Context, key, fingerprint string) (licensing.SubscriptionStatus, error) {
	resp, err := c.post(ctx, "/api/v2/licenses/heartbeat", licenseRequest{
		LicenseKey:         key,
		MachineFingerprint: fingerprint,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", c.denialError(resp)
	}
	if resp.Data != nil {
		return resp.Data.SubscriptionStatus, nil
	}
	return "", nil
}

// Deactivate releases the server-side activation slot. Best-effort: callers
// must deactivate locally regardless of the result.
func (c *Client) Deactivate(ctx context.Context, key, fingerprint string) error {
	resp, err := c.post(ctx, "/api/v2/licenses/deactivate", licenseRequest{
		LicenseKey:         key,
		MachineFingerprint: fingerprint,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return c.denialError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body licenseRequest) (*licenseResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	req.Header.Set("User-Agent", "aurswift-desktop/"+Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("path", path).Msg("license server request failed")
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	// 5xx means the authority itself is unhealthy; treat like a network
	// fault so the grace-period path absorbs it.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: server responded with %s", ErrNetworkUnavailable, resp.Status)
	}

	var decoded licenseResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrNetworkUnavailable, err)
	}
	return &decoded, nil
}

// denialError maps a success=false response to the error taxonomy.
func (c *Client) denialError(resp *licenseResponse) error {
	switch resp.Code {
	case "invalid_key", "license_not_found":
		return fmt.Errorf("%w: %s", ErrInvalidKey, resp.Message)
	case "terminal_limit_reached", "max_activations":
		return fmt.Errorf("%w: %s", ErrTerminalLimitReached, resp.Message)
	default:
		return fmt.Errorf("%w: %s", ErrServerRejected, resp.Message)
	}
}
