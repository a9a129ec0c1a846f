package service

import (
	"errors"

	"github.com/oakmere/flaggate/internal/core"
)

var (
	// ErrDuplicateKey reports a create against a key that already exists.
	ErrDuplicateKey = errors.New("flag key already exists")

	// ErrNotFound reports an update, delete, or history lookup against a
	// key with no flag row and no audit lineage.
	ErrNotFound = errors.New("flag not found")

	// ErrUnavailable reports a repository timeout or transport failure.
	// Writes propagate it; reads degrade instead (stale cache or
	// fail-closed).
	ErrUnavailable = errors.New("flag store unavailable")

	// ErrFeatureDisabled reports that a gated operation ran while its flag
	// evaluated false. Distinct from authorization errors so callers can
	// tell "not allowed" from "not turned on yet".
	ErrFeatureDisabled = errors.New("feature disabled")

	// ErrInvalidDefinition mirrors the core validation sentinel so callers
	// can branch on the service package alone.
	ErrInvalidDefinition = core.ErrInvalidDefinition
)
