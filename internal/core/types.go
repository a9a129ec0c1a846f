package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Environment restricts where a flag applies. EnvironmentAll matches every
// evaluation context.
type Environment string

const (
	EnvironmentAll         Environment = "all"
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

var environments = []Environment{
	EnvironmentAll,
	EnvironmentDevelopment,
	EnvironmentStaging,
	EnvironmentProduction,
}

// ErrInvalidDefinition reports a flag definition that fails validation before
// any persistence is attempted.
var ErrInvalidDefinition = errors.New("invalid flag definition")

// ParseEnvironment converts a string into an Environment. Unrecognised values
// are a definition error, not a runtime surprise during evaluation.
func ParseEnvironment(s string) (Environment, error) {
	candidate := Environment(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(environments, candidate) {
		return candidate, nil
	}

	return "", fmt.Errorf("%w: unknown environment %q", ErrInvalidDefinition, s)
}

// Flag is the evaluation-side view of a feature flag.
type Flag struct {
	Key               string      `json:"key"`
	Enabled           bool        `json:"enabled"`
	Environment       Environment `json:"environment"`
	RolloutPercentage int         `json:"rollout_percentage"`
	TargetRoles       []string    `json:"target_roles,omitempty"`
	Description       string      `json:"description,omitempty"`
	CreatedAt         time.Time   `json:"created_at,omitzero"`
	UpdatedAt         time.Time   `json:"updated_at,omitzero"`
}

// Context is the tuple a caller supplies when asking whether a flag is active
// for them. SubjectID may be empty; it then hashes like any other string, so
// anonymous callers should pass a stable session token for per-session
// consistency.
type Context struct {
	SubjectID   string      `json:"subject_id"`
	Role        string      `json:"role,omitempty"`
	Environment Environment `json:"environment"`
}

// ValidateFlag checks a full definition. All violations wrap
// [ErrInvalidDefinition].
func ValidateFlag(flag Flag) error {
	if strings.TrimSpace(flag.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidDefinition)
	}
	if flag.RolloutPercentage < 0 || flag.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout percentage %d outside [0,100]", ErrInvalidDefinition, flag.RolloutPercentage)
	}
	if _, err := ParseEnvironment(string(flag.Environment)); err != nil {
		return err
	}
	for _, role := range flag.TargetRoles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("%w: target roles must be non-blank", ErrInvalidDefinition)
		}
	}

	return nil
}
