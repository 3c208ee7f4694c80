// licensectl is the licensing diagnostics CLI for AurSwift terminals. It
// drives the same licensing core the desktop application embeds.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/AurSwift/AurSwiftDesktop-sub001/internal/config"
	"github.com/AurSwift/AurSwiftDesktop-sub001/internal/license"
	"github.com/AurSwift/AurSwiftDesktop-sub001/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "licensectl",
	Short:   "AurSwift license management",
	Long:    `licensectl activates, validates and inspects the AurSwift terminal license.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(machineInfoCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(runCmd)
}

func init() {
	logsCmd.Flags().Int("limit", 20, "maximum number of log entries to show")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newService builds the licensing stack from environment configuration.
// Callers own the returned cleanup.
func newService() (*license.Service, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})

	store, err := license.NewStore(license.StoreConfig{DataDir: cfg.DataDir})
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := license.NewClient(license.ClientConfig{
		ServerURL:          cfg.ServerURL,
		APIToken:           cfg.APIToken,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             &log.Logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	svc, err := license.NewService(license.ServiceConfig{
		Client:            client,
		Store:             store,
		Policy:            cfg.GracePolicy(),
		DataDir:           cfg.DataDir,
		TerminalName:      cfg.TerminalName,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatJitter:   cfg.HeartbeatJitter,
	})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		svc.Close()
		store.Close()
	}
	return svc, cfg, cleanup, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current license status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()
		return printJSON(svc.Status())
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <license-key>",
	Short: "Activate a license key on this terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		snap, err := svc.Activate(ctx, args[0], cfg.TerminalName)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Release this terminal's activation",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := svc.Deactivate(ctx); err != nil {
			return err
		}
		fmt.Println("Terminal deactivated.")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Force an online validation against the license server",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		snap, err := svc.Validate(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Validation did not reach the server")
		}
		return printJSON(snap)
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Send one heartbeat now (does not reschedule the timer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := svc.RetryHeartbeat(ctx); err != nil {
			return err
		}
		fmt.Println("Heartbeat sent.")
		return nil
	},
}

var machineInfoCmd = &cobra.Command{
	Use:   "machine-info",
	Short: "Show the hardware summary and fingerprint hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		info, err := svc.MachineInfo(ctx)
		if err != nil {
			return err
		}
		return printJSON(struct {
			license.MachineInfo
			Fingerprint string `json:"fingerprint"`
		}{info, svc.Fingerprint()})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent validation log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		entries, err := svc.RecentLogs(limit)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the licensing daemon (heartbeats and push events)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		if err := svc.Initialize(ctx); err != nil {
			cancel()
			return err
		}
		cancel()

		svc.OnLicenseEvent(func(event license.LicenseEvent) {
			log.Info().
				Str("event", event.Type).
				Str("warning", string(event.Snapshot.WarningLevel)).
				Msg("License state changed")
		})
		svc.AttachEvents(license.NewWebSocketSubscription(cfg.EventsURL, cfg.APIToken))

		log.Info().Str("version", Version).Msg("Licensing daemon running")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info().Msg("Shutting down")
		return nil
	},
}
