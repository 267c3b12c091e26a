package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/gateway.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "gateway.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "gateway.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte("spaces:\n  - name: demo\n    participants:\n      - id: A\n        token: ${MEW_TEST_TOKEN}\n"), 0600)
	os.Setenv("MEW_TEST_TOKEN", "secret123")
	defer os.Unsetenv("MEW_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Spaces[0].Participants[0].Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Spaces[0].Participants[0].Token, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte("spaces:\n  - name: demo\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Protocol != "mew/v0.4" {
		t.Errorf("Protocol = %q, want mew/v0.4", cfg.Protocol)
	}
	if cfg.MaxHistorySize != 1000 {
		t.Errorf("MaxHistorySize = %d, want 1000", cfg.MaxHistorySize)
	}
	if !cfg.Logging.EnvelopeHistory() || !cfg.Logging.CapabilityDecisions() {
		t.Error("audit logging should default to enabled")
	}
	if cfg.DuplicateParticipantPolicy != "evict_old" {
		t.Errorf("DuplicateParticipantPolicy = %q, want evict_old", cfg.DuplicateParticipantPolicy)
	}
}

func TestLoad_DisablesAuditLoggingExplicitly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(path, []byte("spaces:\n  - name: demo\nlogging:\n  envelope_history_enabled: false\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.EnvelopeHistory() {
		t.Error("envelope history should be disabled when explicitly set false")
	}
	if !cfg.Logging.CapabilityDecisions() {
		t.Error("capability decisions should still default to enabled")
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_BadDuplicatePolicy(t *testing.T) {
	cfg := Default()
	cfg.DuplicateParticipantPolicy = "explode"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown duplicate_participant_policy")
	}
	if !strings.Contains(err.Error(), "duplicate_participant_policy") {
		t.Errorf("error should mention duplicate_participant_policy, got: %v", err)
	}
}

func TestValidate_DuplicateSpaceName(t *testing.T) {
	cfg := Default()
	cfg.Spaces = []SpaceConfig{{Name: "demo"}, {Name: "demo"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate space name")
	}
}

func TestValidate_DuplicateParticipantID(t *testing.T) {
	cfg := Default()
	cfg.Spaces = []SpaceConfig{{
		Name: "demo",
		Participants: []ParticipantConfig{
			{ID: "A"}, {ID: "A"},
		},
	}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate participant id")
	}
}

func TestSpaceByName(t *testing.T) {
	cfg := Default()
	cfg.Spaces = []SpaceConfig{{Name: "demo"}, {Name: "other"}}

	if got := cfg.SpaceByName("other"); got == nil || got.Name != "other" {
		t.Errorf("SpaceByName(other) = %v, want space named other", got)
	}
	if got := cfg.SpaceByName("missing"); got != nil {
		t.Errorf("SpaceByName(missing) = %v, want nil", got)
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}
