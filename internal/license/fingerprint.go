package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	gohost "github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// MachineInfo is a human-readable hardware summary for display only. It is
// never used for binding decisions.
type MachineInfo struct {
	Hostname      string `json:"hostname"`
	Platform      string `json:"platform"`
	OSVersion     string `json:"os_version,omitempty"`
	Architecture  string `json:"architecture"`
	CPUModel      string `json:"cpu_model,omitempty"`
	TotalMemoryMB uint64 `json:"total_memory_mb,omitempty"`
}

// GenerateFingerprint derives a stable hashed machine identifier from
// hardware identifiers. Only the hash ever leaves the machine. The result is
// stable across restarts on the same hardware and expected to change if core
// hardware changes.
//
// Fallback order when identifiers are unavailable: machine-id from the OS,
// then hostname plus physical MAC addresses, then a random identifier
// persisted under dataDir so it stays stable across restarts.
func GenerateFingerprint(ctx context.Context, dataDir string) (string, error) {
	parts := collectHardwareIdentifiers(ctx)

	if len(parts) == 0 {
		id, err := persistedMachineID(dataDir)
		if err != nil {
			return "", fmt.Errorf("no hardware identifiers available: %w", err)
		}
		log.Warn().Msg("No hardware identifiers available, using persisted machine ID")
		parts = []string{"persisted", id}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

func collectHardwareIdentifiers(ctx context.Context) []string {
	var parts []string

	info, err := gohost.InfoWithContext(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read host info for fingerprint")
	} else {
		if hostname := strings.TrimSpace(info.Hostname); hostname != "" {
			parts = append(parts, hostname)
		}
		if platform := strings.TrimSpace(info.Platform); platform != "" {
			parts = append(parts, platform)
		}
		if machineID := strings.TrimSpace(info.HostID); machineID != "" {
			parts = append(parts, machineID)
		}
	}

	parts = append(parts, runtime.GOOS, runtime.GOARCH)

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		if model := strings.TrimSpace(cpus[0].ModelName); model != "" {
			parts = append(parts, model)
		}
	}

	// Physical MACs stabilize the hash on systems without a machine-id.
	if macs := physicalMACs(); len(macs) > 0 {
		parts = append(parts, macs...)
	}

	// GOOS/GOARCH alone do not identify a machine.
	if len(parts) <= 2 {
		return nil
	}
	return parts
}

func physicalMACs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	sort.Strings(macs)
	return macs
}

// persistedMachineID reads or creates a random identifier under dataDir.
// Last-resort fallback when the machine exposes no usable identifiers.
func persistedMachineID(dataDir string) (string, error) {
	if dataDir == "" {
		return "", fmt.Errorf("no data directory configured")
	}
	path := filepath.Join(dataDir, "machine-id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// GetMachineInfo returns the display-only hardware summary.
func GetMachineInfo(ctx context.Context) (MachineInfo, error) {
	info := MachineInfo{Architecture: runtime.GOARCH}

	hostInfo, err := gohost.InfoWithContext(ctx)
	if err != nil {
		hostname, hostErr := os.Hostname()
		if hostErr != nil {
			return info, fmt.Errorf("read host info: %w", err)
		}
		info.Hostname = hostname
		info.Platform = runtime.GOOS
	} else {
		info.Hostname = hostInfo.Hostname
		info.Platform = hostInfo.Platform
		info.OSVersion = hostInfo.PlatformVersion
		if info.Platform == "" {
			info.Platform = runtime.GOOS
		}
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemoryMB = vm.Total / (1024 * 1024)
	}

	return info, nil
}
