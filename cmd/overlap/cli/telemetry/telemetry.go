// Package telemetry reports anonymous usage events. Telemetry is opt-in:
// nothing is sent unless config.json sets "telemetry": true, and the
// OVERLAP_TELEMETRY_OPTOUT environment variable wins over the config
// either way. Event properties never include file paths, prompts, or any
// journal content.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Both are overridden at build time for release binaries.
var (
	PostHogAPIKey   = "phc_development_key"
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// OptOutEnvVar disables telemetry regardless of the config preference.
const OptOutEnvVar = "OVERLAP_TELEMETRY_OPTOUT"

// Client records usage events. Implementations must tolerate being called
// from several goroutines.
type Client interface {
	Capture(event string, props map[string]any)
	TrackCommand(cmd *cobra.Command)
	Close()
}

// NoOpClient swallows everything. It stands in whenever telemetry is off
// or the real client could not be built.
type NoOpClient struct{}

func (n *NoOpClient) Capture(_ string, _ map[string]any) {}
func (n *NoOpClient) TrackCommand(_ *cobra.Command)      {}
func (n *NoOpClient) Close()                             {}

// silentLogger suppresses PostHog log output - expected for CLI best-effort telemetry
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// PostHogClient ships events to PostHog under a machine-scoped distinct id.
// Fields are fixed at construction; posthog.Client is safe for concurrent
// Enqueue.
type PostHogClient struct {
	client    posthog.Client
	machineID string
}

// NewClient returns the live client only when the user opted in and the
// environment does not opt back out. enabled is the config preference;
// nil means never configured, which counts as off.
//
//nolint:ireturn // callers program against Client
func NewClient(version string, enabled *bool) Client {
	if os.Getenv(OptOutEnvVar) != "" {
		return &NoOpClient{}
	}
	if enabled == nil || !*enabled {
		return &NoOpClient{}
	}

	id, err := machineid.ProtectedID("overlap-cli")
	if err != nil {
		return &NoOpClient{}
	}
	ph, err := posthog.NewWithConfig(PostHogAPIKey, clientConfig(version))
	if err != nil {
		return &NoOpClient{}
	}
	return &PostHogClient{client: ph, machineID: id}
}

// clientConfig keeps every network timeout well under a second so a dead
// telemetry endpoint cannot stall command exit or daemon shutdown.
func clientConfig(version string) posthog.Config {
	dialer := &net.Dialer{Timeout: 100 * time.Millisecond}
	return posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   100 * time.Millisecond,
			ResponseHeaderTimeout: 100 * time.Millisecond,
		},
		Logger:       silentLogger{},
		DisableGeoIP: posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	}
}

// Capture records one named event with the given properties.
func (p *PostHogClient) Capture(event string, props map[string]any) {
	if p.client == nil || event == "" {
		return
	}

	properties := posthog.NewProperties()
	for k, v := range props {
		properties.Set(k, v)
	}

	//nolint:errcheck // best-effort delivery
	_ = p.client.Enqueue(posthog.Capture{
		DistinctId: p.machineID,
		Event:      event,
		Properties: properties,
	})
}

// TrackCommand records a command invocation. Only the command path and the
// names of set flags are collected, never their values.
func (p *PostHogClient) TrackCommand(cmd *cobra.Command) {
	if cmd == nil || cmd.Hidden {
		return
	}

	var flags []string
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		flags = append(flags, flag.Name)
	})

	props := map[string]any{"command": cmd.CommandPath()}
	if len(flags) > 0 {
		props["flags"] = strings.Join(flags, ",")
	}
	p.Capture("cli_command_executed", props)
}

// Close flushes whatever is queued, bounded by the shutdown timeout.
func (p *PostHogClient) Close() {
	if p.client != nil {
		_ = p.client.Close()
	}
}
