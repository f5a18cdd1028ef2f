package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const balancedYAML = `name: Balanced
code: balanced
escalation:
  amount_threshold: 10000
  volatility_threshold: 0.4
consensus:
  quorum: 3
  voting_enabled: true
sweep:
  volatility_hard_stop: 0.6
  interval: 30s
frequency:
  window: 1h
  max_per_window: 10
`

const conservativeYAML = `name: Conservative
code: conservative
escalation:
  amount_threshold: 1000
  volatility_threshold: 0.2
consensus:
  quorum: 5
  voting_enabled: true
sweep:
  volatility_hard_stop: 0.4
  interval: 10s
frequency:
  window: 1h
  max_per_window: 3
  use_redis: true
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"profile_balanced.yaml":     balancedYAML,
		"profile_conservative.yaml": conservativeYAML,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadProfile_Balanced(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "balanced")
	if err != nil {
		t.Fatalf("LoadProfile(balanced): %v", err)
	}
	if p.Name != "Balanced" {
		t.Errorf("expected name 'Balanced', got %q", p.Name)
	}
	if p.Escalation.AmountThreshold != 10000 {
		t.Errorf("expected amount threshold 10000, got %v", p.Escalation.AmountThreshold)
	}
	if p.Sweep.Interval.Std() != 30*time.Second {
		t.Errorf("expected 30s sweep interval, got %v", p.Sweep.Interval.Std())
	}
	if p.Frequency.Window.Std() != time.Hour {
		t.Errorf("expected 1h frequency window, got %v", p.Frequency.Window.Std())
	}
}

func TestLoadProfile_Conservative(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "conservative")
	if err != nil {
		t.Fatalf("LoadProfile(conservative): %v", err)
	}
	if p.Consensus.Quorum != 5 {
		t.Errorf("expected quorum 5, got %d", p.Consensus.Quorum)
	}
	if !p.Frequency.UseRedis {
		t.Error("conservative profile should use redis frequency checks")
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	dir := writeProfiles(t)
	if _, err := LoadProfile(dir, "nonexistent"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadProfile_InvalidThresholds(t *testing.T) {
	dir := t.TempDir()
	bad := `name: Broken
code: broken
escalation:
  amount_threshold: 1000
  volatility_threshold: 0.5
consensus:
  quorum: 3
sweep:
  volatility_hard_stop: 0.3
  interval: 30s
`
	if err := os.WriteFile(filepath.Join(dir, "profile_broken.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(dir, "broken"); err == nil {
		t.Fatal("expected error when hard stop is below escalation threshold")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := writeProfiles(t)
	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Errorf("expected 2 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
	}
}

func TestDefaultProfileIsValid(t *testing.T) {
	if err := DefaultProfile().Validate(); err != nil {
		t.Fatalf("default profile should validate: %v", err)
	}
}
