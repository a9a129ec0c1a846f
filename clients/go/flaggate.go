// Package flaggate provides client interfaces and domain types for the
// flaggate feature flag service.
//
// Use the sub-package to create a transport-specific client:
//
//	import flaggatehttp "github.com/oakmere/flaggate/clients/go/http"
package flaggate

import (
	"context"
	"time"
)

// FlagManager covers CRUD and audit operations on feature flags. These calls
// require an API key with the admin role (except GetFlag).
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, key string, update FlagUpdate) (Flag, error)
	ToggleFlag(ctx context.Context, key string) (Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	FlagHistory(ctx context.Context, key string) ([]HistoryEntry, error)
}

// Evaluator answers whether flags are enabled for a given subject.
type Evaluator interface {
	Evaluate(ctx context.Context, key string, evalCtx Context) (bool, error)
	EvaluateAll(ctx context.Context, evalCtx Context) (map[string]bool, error)
}

// Flag is the domain representation of a feature flag.
type Flag struct {
	Key               string
	Enabled           bool
	Environment       string
	RolloutPercentage int
	TargetRoles       []string
	Description       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FlagUpdate is a partial update; nil fields keep their current value.
type FlagUpdate struct {
	Enabled           *bool
	Environment       *string
	RolloutPercentage *int
	TargetRoles       *[]string
	Description       *string
}

// Context identifies the subject a flag is evaluated for.
type Context struct {
	SubjectID   string
	Role        string
	Environment string
}

// HistoryEntry is one audit record of a flag mutation, newest first.
type HistoryEntry struct {
	ID            int64
	FlagKey       string
	Action        string // "created" | "updated" | "toggled" | "deleted"
	PreviousValue []byte
	NewValue      []byte
	ChangedBy     string
	CreatedAt     time.Time
}
