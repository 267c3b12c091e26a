// Package config handles mew-gatewayd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./gateway.yaml, ~/.config/mew-gateway/gateway.yaml, /config/gateway.yaml, /etc/mew-gateway/gateway.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"gateway.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mew-gateway", "gateway.yaml"))
	}

	paths = append(paths, "/config/gateway.yaml") // Container convention
	paths = append(paths, "/etc/mew-gateway/gateway.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mew-gatewayd configuration.
type Config struct {
	Listen                      ListenConfig        `yaml:"listen"`
	Protocol                    string              `yaml:"protocol"`
	HeartbeatIntervalMS         int                 `yaml:"heartbeat_interval_ms"`
	MaxMessageSizeBytes         int                 `yaml:"max_message_size_bytes"`
	MaxSpaces                   int                 `yaml:"max_spaces"`
	MaxClientsPerSpace          int                 `yaml:"max_clients_per_space"`
	MaxHistorySize              int                 `yaml:"max_history_size"`
	DuplicateParticipantPolicy  string              `yaml:"duplicate_participant_policy"`
	HashTokens                  bool                `yaml:"hash_tokens"`
	LogLevel                    string              `yaml:"log_level"`
	Logging                     LoggingConfig       `yaml:"logging"`
	Metrics                     MetricsConfig       `yaml:"metrics"`
	MQTTBridge                  MQTTBridgeConfig    `yaml:"mqtt_bridge"`
	Onboard                     OnboardConfig       `yaml:"onboard"`
	Spaces                      []SpaceConfig       `yaml:"spaces"`
}

// ListenConfig defines the WebSocket gateway's bind address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls the dual audit logs of spec §4.8. The three
// enable flags are pointers so Load can tell "absent from YAML" (use
// the spec's documented default of true) apart from an explicit
// "false" (opt out).
type LoggingConfig struct {
	GatewayLoggingEnabled      *bool  `yaml:"gateway_logging_enabled"`
	EnvelopeHistoryEnabled     *bool  `yaml:"envelope_history_enabled"`
	CapabilityDecisionsEnabled *bool  `yaml:"capability_decisions_enabled"`
	LogDir                     string `yaml:"log_dir"`
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// GatewayLogging reports whether master gateway logging is enabled.
func (l LoggingConfig) GatewayLogging() bool { return boolOrDefault(l.GatewayLoggingEnabled, true) }

// EnvelopeHistory reports whether the envelope-history sink is enabled.
func (l LoggingConfig) EnvelopeHistory() bool { return boolOrDefault(l.EnvelopeHistoryEnabled, true) }

// CapabilityDecisions reports whether the capability-decision sink is enabled.
func (l LoggingConfig) CapabilityDecisions() bool {
	return boolOrDefault(l.CapabilityDecisionsEnabled, true)
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTBridgeConfig controls the optional observability bridge that
// republishes space/participant/stream counters to an MQTT broker.
// Disabled by default; the gateway never treats MQTT state as authoritative.
type MQTTBridgeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BrokerURL      string `yaml:"broker_url"`
	TopicPrefix    string `yaml:"topic_prefix"`
	ClientID       string `yaml:"client_id"`
	PublishSeconds int    `yaml:"publish_interval_seconds"`
}

// OnboardConfig controls the QR-code onboarding endpoint.
type OnboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PublicBase string `yaml:"public_base_url"`
}

// SpaceConfig declaratively describes one space: its participants, their
// tokens and capability grants, and space-level metadata. This mirrors
// the "Space config" surface of spec.md §6 — the gateway only consumes
// the derived participant+capability set, it does not issue tokens.
type SpaceConfig struct {
	Name         string                 `yaml:"name"`
	AdminIDs     []string               `yaml:"admin_ids"`
	Metadata     map[string]any         `yaml:"metadata"`
	Participants []ParticipantConfig    `yaml:"participants"`
}

// ParticipantConfig is one statically-provisioned participant identity.
type ParticipantConfig struct {
	ID           string         `yaml:"id"`
	Token        string         `yaml:"token"`
	Capabilities []CapabilitySpec `yaml:"capabilities"`
	Metadata     map[string]any `yaml:"metadata"`
}

// CapabilitySpec is the YAML shape of a capability pattern; see
// internal/capability for the compiled form.
type CapabilitySpec struct {
	ID      string         `yaml:"id,omitempty"`
	Kind    string         `yaml:"kind"`
	To      any            `yaml:"to,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MEW_TOKEN_A}). This is a
	// convenience for container deployments; the recommended approach
	// is to put secrets directly in a mounted config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Protocol == "" {
		c.Protocol = "mew/v0.4"
	}
	if c.HeartbeatIntervalMS == 0 {
		c.HeartbeatIntervalMS = 30_000
	}
	if c.MaxMessageSizeBytes == 0 {
		c.MaxMessageSizeBytes = 1 << 20 // 1 MiB
	}
	if c.MaxHistorySize == 0 {
		c.MaxHistorySize = 1000
	}
	if c.DuplicateParticipantPolicy == "" {
		c.DuplicateParticipantPolicy = "evict_old"
	}
	if c.Logging.LogDir == "" {
		c.Logging.LogDir = "./logs"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.MQTTBridge.TopicPrefix == "" {
		c.MQTTBridge.TopicPrefix = "mew/gateway"
	}
	if c.MQTTBridge.PublishSeconds == 0 {
		c.MQTTBridge.PublishSeconds = 30
	}
	if c.MQTTBridge.ClientID == "" {
		c.MQTTBridge.ClientID = "mew-gateway"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.DuplicateParticipantPolicy {
	case "evict_old", "reject_new":
	default:
		return fmt.Errorf("duplicate_participant_policy %q must be evict_old or reject_new", c.DuplicateParticipantPolicy)
	}
	seen := make(map[string]bool, len(c.Spaces))
	for _, sp := range c.Spaces {
		if sp.Name == "" {
			return fmt.Errorf("space with empty name")
		}
		if seen[sp.Name] {
			return fmt.Errorf("duplicate space name %q", sp.Name)
		}
		seen[sp.Name] = true
		ids := make(map[string]bool, len(sp.Participants))
		for _, p := range sp.Participants {
			if p.ID == "" {
				return fmt.Errorf("space %q: participant with empty id", sp.Name)
			}
			if ids[p.ID] {
				return fmt.Errorf("space %q: duplicate participant id %q", sp.Name, p.ID)
			}
			ids[p.ID] = true
		}
	}
	return nil
}

// SpaceByName returns the configured space with the given name, or nil.
func (c *Config) SpaceByName(name string) *SpaceConfig {
	for i := range c.Spaces {
		if c.Spaces[i].Name == name {
			return &c.Spaces[i]
		}
	}
	return nil
}

// Default returns a minimal default configuration with one empty
// space named "default", suitable for local development.
func Default() *Config {
	cfg := &Config{
		Spaces: []SpaceConfig{{Name: "default"}},
	}
	cfg.applyDefaults()
	return cfg
}
