package config

import (
	"encoding/json"
	"fmt"
)

type Ports struct {
	Video   int `json:"video"`
	Control int `json:"control"`
	Result  int `json:"result"`
}

// ExperimentConfig is pushed by the control server once per session and
// is read-only afterwards
type ExperimentConfig struct {
	ExperimentID  string `json:"experiment_id"`
	ClientID      int    `json:"client_id"`
	Steps         int    `json:"steps"`
	NTPServer     string `json:"ntp_server"`
	FPS           int    `json:"fps"`
	RewindSeconds int    `json:"rewind_seconds"`
	MaxReplays    int    `json:"max_replays"`
	Ports         Ports  `json:"ports"`
}

func ParseExperimentConfig(data []byte) (*ExperimentConfig, error) {
	cfg := &ExperimentConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid experiment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ExperimentConfig) Validate() error {
	if c.ExperimentID == "" {
		return fmt.Errorf("experiment config: missing experiment_id")
	}
	if c.Steps <= 0 {
		return fmt.Errorf("experiment config: steps must be positive, got %d", c.Steps)
	}
	if c.NTPServer == "" {
		return fmt.Errorf("experiment config: missing ntp_server")
	}
	if c.FPS <= 0 {
		return fmt.Errorf("experiment config: fps must be positive, got %d", c.FPS)
	}
	if c.RewindSeconds < 0 || c.MaxReplays < 0 {
		return fmt.Errorf("experiment config: negative rewind_seconds or max_replays")
	}
	for name, p := range map[string]int{"video": c.Ports.Video, "control": c.Ports.Control, "result": c.Ports.Result} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("experiment config: %s port %d out of range", name, p)
		}
	}
	return nil
}
