package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so profiles can use "30s"-style values.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("30s") or integer
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(ns)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RiskProfile tunes the engine's escalation and revocation behavior per
// deployment posture (e.g. conservative, balanced, aggressive).
type RiskProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
	Consensus  ConsensusConfig  `yaml:"consensus" json:"consensus"`
	Sweep      SweepConfig      `yaml:"sweep" json:"sweep"`
	Frequency  FrequencyConfig  `yaml:"frequency" json:"frequency"`
}

// EscalationConfig holds the thresholds that force a permission request
// into community review.
type EscalationConfig struct {
	AmountThreshold     float64 `yaml:"amount_threshold" json:"amount_threshold"`
	VolatilityThreshold float64 `yaml:"volatility_threshold" json:"volatility_threshold"`
}

// ConsensusConfig controls community voting.
type ConsensusConfig struct {
	Quorum        int  `yaml:"quorum" json:"quorum"`
	VotingEnabled bool `yaml:"voting_enabled" json:"voting_enabled"`
}

// SweepConfig controls the auto-revocation sweeper.
type SweepConfig struct {
	VolatilityHardStop float64  `yaml:"volatility_hard_stop" json:"volatility_hard_stop"`
	Interval           Duration `yaml:"interval" json:"interval"`
}

// FrequencyConfig bounds execution rates per user and permission type.
type FrequencyConfig struct {
	Window        Duration `yaml:"window" json:"window"`
	MaxPerWindow  int      `yaml:"max_per_window" json:"max_per_window"`
	UseRedis      bool     `yaml:"use_redis" json:"use_redis"`
	RatePerSecond float64  `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
}

// Validate rejects profiles whose thresholds would make the engine either
// unable to escalate or unable to revoke.
func (p *RiskProfile) Validate() error {
	if p.Escalation.AmountThreshold <= 0 {
		return fmt.Errorf("profile %q: escalation amount_threshold must be positive", p.Code)
	}
	if p.Escalation.VolatilityThreshold <= 0 || p.Escalation.VolatilityThreshold >= 1 {
		return fmt.Errorf("profile %q: escalation volatility_threshold must be in (0,1)", p.Code)
	}
	if p.Sweep.VolatilityHardStop <= p.Escalation.VolatilityThreshold {
		return fmt.Errorf("profile %q: sweep hard stop %.2f must exceed escalation threshold %.2f",
			p.Code, p.Sweep.VolatilityHardStop, p.Escalation.VolatilityThreshold)
	}
	if p.Consensus.Quorum < 1 {
		return fmt.Errorf("profile %q: consensus quorum must be at least 1", p.Code)
	}
	return nil
}

// LoadProfile loads a risk profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*RiskProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RiskProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	if err := profile.Validate(); err != nil {
		return nil, err
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory.
func LoadAllProfiles(profilesDir string) (map[string]*RiskProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RiskProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RiskProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_balanced.yaml -> balanced
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		if err := profile.Validate(); err != nil {
			return nil, err
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// DefaultProfile returns the built-in balanced posture used when no
// profile directory is configured.
func DefaultProfile() *RiskProfile {
	return &RiskProfile{
		Name: "Balanced",
		Code: "balanced",
		Escalation: EscalationConfig{
			AmountThreshold:     10_000,
			VolatilityThreshold: 0.4,
		},
		Consensus: ConsensusConfig{
			Quorum:        3,
			VotingEnabled: true,
		},
		Sweep: SweepConfig{
			VolatilityHardStop: 0.6,
			Interval:           Duration(30 * time.Second),
		},
		Frequency: FrequencyConfig{
			Window:       Duration(time.Hour),
			MaxPerWindow: 10,
		},
	}
}
