package retry

import (
	"github.com/takt-io/takt/types"
)

// policyDoc is the serialized form of Policy. Conditions are code-level
// predicates and cannot be expressed in configuration; a policy loaded from
// YAML gets the default condition set at execution time.
type policyDoc struct {
	MaxRetries    int            `yaml:"max_retries"`
	InitialDelay  types.Duration `yaml:"initial_delay"`
	MaxDelay      types.Duration `yaml:"max_delay"`
	Exponential   bool           `yaml:"exponential"`
	Jitter        bool           `yaml:"jitter"`
	RecordHistory bool           `yaml:"record_history"`
}

// UnmarshalYAML decodes a policy with human-readable delay strings.
func (p *Policy) UnmarshalYAML(unmarshal func(any) error) error {
	var doc policyDoc
	if err := unmarshal(&doc); err != nil {
		return err
	}
	p.MaxRetries = doc.MaxRetries
	p.InitialDelay = doc.InitialDelay.AsDuration()
	p.MaxDelay = doc.MaxDelay.AsDuration()
	p.Exponential = doc.Exponential
	p.Jitter = doc.Jitter
	p.RecordHistory = doc.RecordHistory
	return nil
}

// MarshalYAML encodes the policy with human-readable delay strings.
func (p Policy) MarshalYAML() (any, error) {
	return policyDoc{
		MaxRetries:    p.MaxRetries,
		InitialDelay:  types.Duration(p.InitialDelay),
		MaxDelay:      types.Duration(p.MaxDelay),
		Exponential:   p.Exponential,
		Jitter:        p.Jitter,
		RecordHistory: p.RecordHistory,
	}, nil
}
