package vuln

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights are the correlation scoring constants. They are heuristic and kept
// overridable rather than inlined.
type Weights struct {
	Token              int `yaml:"token"`
	Critical           int `yaml:"critical"`
	TrustedSource      int `yaml:"trusted_source"`
	Recency            int `yaml:"recency"`
	RecencyWindowYears int `yaml:"recency_window_years"`
	AgeThresholdYears  int `yaml:"age_threshold_years"`
	AgeSlope           int `yaml:"age_slope"`
	Threshold          int `yaml:"threshold"`
	DirectMention      int `yaml:"direct_mention"`
}

// DefaultWeights returns the stock scoring constants.
func DefaultWeights() Weights {
	return Weights{
		Token:              2,
		Critical:           5,
		TrustedSource:      3,
		Recency:            3,
		RecencyWindowYears: 2,
		AgeThresholdYears:  5,
		AgeSlope:           2,
		Threshold:          4,
		DirectMention:      100,
	}
}

// Validate rejects weight sets that would break ranking.
func (w Weights) Validate() error {
	var errs []error
	if w.Token <= 0 {
		errs = append(errs, fmt.Errorf("token weight must be > 0, got %d", w.Token))
	}
	if w.Critical < 0 || w.TrustedSource < 0 || w.Recency < 0 || w.AgeSlope < 0 {
		errs = append(errs, errors.New("critical, trusted_source, recency and age_slope weights must be >= 0"))
	}
	if w.RecencyWindowYears < 0 || w.AgeThresholdYears < 0 {
		errs = append(errs, errors.New("recency and age windows must be >= 0"))
	}
	if w.DirectMention <= w.Threshold {
		errs = append(errs, fmt.Errorf("direct_mention (%d) must exceed threshold (%d)", w.DirectMention, w.Threshold))
	}
	return errors.Join(errs...)
}

// LoadWeights reads a YAML weights file. Keys missing from the file keep their defaults.
func LoadWeights(path string) (Weights, error) {
	w := DefaultWeights()
	b, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("read weights file: %w", err)
	}
	if err := yaml.Unmarshal(b, &w); err != nil {
		return w, fmt.Errorf("parse weights file %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("invalid weights in %s: %w", path, err)
	}
	return w, nil
}
