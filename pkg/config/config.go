// Package config loads the engine configuration from the environment and the
// tenant registry from a YAML file. Tenant snapshots handed to sessions are
// immutable; the engine never mutates them after construction.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings for the call engine.
type Config struct {
	Addr string

	// Tenant registry file (YAML). Empty means a single default tenant built
	// from CALLCORE_DEFAULT_* variables.
	TenantFile string

	// Session timing.
	SilenceCommit     time.Duration // caller silence that commits an utterance
	DeadAirInterval   time.Duration // dead-air check cadence
	DeadAirEntryGrace time.Duration // grace after entering LISTENING
	SpeechStartGrace  time.Duration // grace after speech first detected
	NoFramesThreshold time.Duration // "inbound audio seen recently" window
	PlaybackWatchdog  time.Duration // carrier playback-ended watchdog
	LateFinalGrace    time.Duration // post-hangup window for an in-flight final
	TurnTimeout       time.Duration // reply generation budget per turn
	MaxCallDuration   time.Duration

	// Speech capture.
	UtteranceChunk   time.Duration // audio buffered per recognition request
	RecognizeTimeout time.Duration
	RecognizeRetries int

	// Streaming synthesis segmentation.
	SegmentMaxChars     int
	SegmentMinChars     int
	FirstSegmentMaxWait time.Duration

	// HTTP server.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Outbound clients.
	ProviderConnectTimeout time.Duration
	AnalyticsURL           string
	AnalyticsTimeout       time.Duration

	// Carrier call-control provider.
	CarrierBaseURL   string
	CarrierAuthToken string
}

// LoadFromEnv builds a Config from CALLCORE_* environment variables, applying
// defaults for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("CALLCORE_ADDR", ":8070"),
		TenantFile:             envOr("CALLCORE_TENANT_FILE", ""),
		SilenceCommit:          envDurationOr("CALLCORE_SILENCE_COMMIT", 700*time.Millisecond),
		DeadAirInterval:        envDurationOr("CALLCORE_DEAD_AIR_INTERVAL", 6*time.Second),
		DeadAirEntryGrace:      envDurationOr("CALLCORE_DEAD_AIR_ENTRY_GRACE", 2500*time.Millisecond),
		SpeechStartGrace:       envDurationOr("CALLCORE_SPEECH_START_GRACE", 4*time.Second),
		NoFramesThreshold:      envDurationOr("CALLCORE_NO_FRAMES_THRESHOLD", 3*time.Second),
		PlaybackWatchdog:       envDurationOr("CALLCORE_PLAYBACK_WATCHDOG", 8*time.Second),
		LateFinalGrace:         envDurationOr("CALLCORE_LATE_FINAL_GRACE", 1500*time.Millisecond),
		TurnTimeout:            envDurationOr("CALLCORE_TURN_TIMEOUT", 30*time.Second),
		MaxCallDuration:        envDurationOr("CALLCORE_MAX_CALL_DURATION", 30*time.Minute),
		UtteranceChunk:         envDurationOr("CALLCORE_UTTERANCE_CHUNK", 1200*time.Millisecond),
		RecognizeTimeout:       envDurationOr("CALLCORE_RECOGNIZE_TIMEOUT", 10*time.Second),
		RecognizeRetries:       envIntOr("CALLCORE_RECOGNIZE_RETRIES", 1),
		SegmentMaxChars:        envIntOr("CALLCORE_SEGMENT_MAX_CHARS", 220),
		SegmentMinChars:        envIntOr("CALLCORE_SEGMENT_MIN_CHARS", 24),
		FirstSegmentMaxWait:    envDurationOr("CALLCORE_FIRST_SEGMENT_MAX_WAIT", 900*time.Millisecond),
		ReadHeaderTimeout:      envDurationOr("CALLCORE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("CALLCORE_SHUTDOWN_GRACE_PERIOD", 20*time.Second),
		ProviderConnectTimeout: envDurationOr("CALLCORE_PROVIDER_CONNECT_TIMEOUT", 5*time.Second),
		AnalyticsURL:           envOr("CALLCORE_ANALYTICS_URL", ""),
		AnalyticsTimeout:       envDurationOr("CALLCORE_ANALYTICS_TIMEOUT", 2*time.Second),
		CarrierBaseURL:         envOr("CALLCORE_CARRIER_BASE_URL", ""),
		CarrierAuthToken:       envOr("CALLCORE_CARRIER_AUTH_TOKEN", ""),
	}

	if cfg.PlaybackWatchdog <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_PLAYBACK_WATCHDOG must be positive")
	}
	if cfg.LateFinalGrace < 0 {
		return Config{}, fmt.Errorf("CALLCORE_LATE_FINAL_GRACE must not be negative")
	}
	if cfg.RecognizeRetries < 0 {
		cfg.RecognizeRetries = 0
	}
	return cfg, nil
}

// VoiceMode selects how replies are synthesized for a call.
type VoiceMode struct {
	Kind         string  `yaml:"kind"` // "preset" or "cloned"
	Voice        string  `yaml:"voice"`
	ReferenceURL string  `yaml:"reference_url"`
	Speed        float64 `yaml:"speed"`
}

const (
	VoicePreset = "preset"
	VoiceCloned = "cloned"
)

// TransferTarget is a destination the reply service may route a call to.
type TransferTarget struct {
	Name   string `yaml:"name"`
	Number string `yaml:"number"`
}

// TenantConfig is the read-only per-call snapshot handed to a session at
// construction. Sessions never mutate it.
type TenantConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Greeting     string `yaml:"greeting"`
	SystemPrompt string `yaml:"system_prompt"`
	Pricing      string `yaml:"pricing"`

	STTEndpoint string `yaml:"stt_endpoint"`
	STTLanguage string `yaml:"stt_language"`
	STTPrompt   string `yaml:"stt_prompt"`

	TTSPresetEndpoint string    `yaml:"tts_preset_endpoint"`
	TTSClonedEndpoint string    `yaml:"tts_cloned_endpoint"`
	DefaultVoice      VoiceMode `yaml:"default_voice"`

	BrainEndpoint string `yaml:"brain_endpoint"`

	Transfers []TransferTarget `yaml:"transfers"`
}

// Registry is the set of known tenants, keyed by tenant ID.
type Registry struct {
	tenants map[string]TenantConfig
	def     TenantConfig
}

type registryFile struct {
	Default string         `yaml:"default"`
	Tenants []TenantConfig `yaml:"tenants"`
}

// LoadRegistry reads the tenant YAML file. With an empty path it returns a
// registry holding only the fallback tenant.
func LoadRegistry(path string, fallback TenantConfig) (*Registry, error) {
	r := &Registry{tenants: make(map[string]TenantConfig), def: fallback}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant file %q: %w", path, err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tenant file %q: %w", path, err)
	}
	for _, t := range file.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fmt.Errorf("tenant file %q: tenant with empty id", path)
		}
		if _, dup := r.tenants[id]; dup {
			return nil, fmt.Errorf("tenant file %q: duplicate tenant id %q", path, id)
		}
		if t.DefaultVoice.Kind == "" {
			t.DefaultVoice.Kind = VoicePreset
		}
		r.tenants[id] = t
	}
	if file.Default != "" {
		def, ok := r.tenants[file.Default]
		if !ok {
			return nil, fmt.Errorf("tenant file %q: default tenant %q not defined", path, file.Default)
		}
		r.def = def
	}
	return r, nil
}

// Lookup returns the tenant snapshot for id, falling back to the default
// tenant when id is empty or unknown.
func (r *Registry) Lookup(id string) TenantConfig {
	if r == nil {
		return TenantConfig{}
	}
	if t, ok := r.tenants[strings.TrimSpace(id)]; ok {
		return t
	}
	return r.def
}

// Count returns the number of explicitly registered tenants.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.tenants)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	// Accept bare milliseconds for compatibility with older deployments.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
