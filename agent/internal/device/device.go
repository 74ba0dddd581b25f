// Package device provides the agent's persistent identity and host facts.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/hebner-solutions/remote-support/pkg/protocol"
)

const idFileName = "device-id"

// LoadOrCreateID returns the device's persistent id, minting and storing a
// new one on first run.
func LoadOrCreateID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, idFileName)
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// Info collects the static facts reported in every heartbeat.
func Info(deviceID, deviceName, version string) protocol.DeviceInfo {
	hostname, _ := os.Hostname()
	if deviceName == "" {
		deviceName = hostname
	}
	return protocol.DeviceInfo{
		DeviceID:     deviceID,
		DeviceName:   deviceName,
		Hostname:     hostname,
		OSVersion:    runtime.GOOS + "/" + runtime.GOARCH,
		AgentVersion: version,
	}
}

// Monitors probes the attached displays. Capture hardware is outside this
// layer; until a capture backend is wired in, the primary display is reported
// as a single placeholder entry.
func Monitors() []protocol.MonitorInfo {
	return []protocol.MonitorInfo{
		{
			MonitorID: "primary",
			Name:      "Primary Display",
			Width:     1920,
			Height:    1080,
			Scale:     1.0,
			Primary:   true,
			SortOrder: 0,
		},
	}
}
