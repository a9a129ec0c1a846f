// Package service composes the evaluation engine, the flag cache, and the
// repository into the engine's public surface: evaluation reads that fail
// closed, and mutations that append audit history and invalidate the cache
// before returning.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oakmere/flaggate/internal/cache"
	"github.com/oakmere/flaggate/internal/core"
	"github.com/oakmere/flaggate/internal/repository"
)

const (
	defaultRepoTimeout = 3 * time.Second
	historyTimeout     = 2 * time.Second
)

// Repository is the persistence surface the service consumes. The engine only
// needs this narrow interface; *repository.PostgresRepository satisfies it.
type Repository interface {
	CreateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	GetFlag(ctx context.Context, key string) (core.Flag, error)
	ListFlags(ctx context.Context) ([]core.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	AppendHistory(ctx context.Context, entry repository.HistoryEntry) error
	ListHistory(ctx context.Context, key string) ([]repository.HistoryEntry, error)
}

// Instrumentation carries optional metric callbacks. Nil fields are skipped.
type Instrumentation struct {
	CacheHit          func()
	CacheMiss         func()
	CacheInvalidation func()
	Evaluation        func(result bool)
	StaleServe        func()
	HistoryFailure    func()
}

// FlagUpdate is a partial update; nil fields keep their current value.
type FlagUpdate struct {
	Enabled           *bool
	Environment       *core.Environment
	RolloutPercentage *int
	TargetRoles       *[]string
	Description       *string
}

// Service is the query facade and mutation service over one flag store.
// Reads are safe under unbounded concurrency; writes serialize per key.
type Service struct {
	repo        Repository
	cache       *cache.FlagCache
	log         *slog.Logger
	inst        Instrumentation
	repoTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRepoTimeout bounds every repository round trip.
func WithRepoTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.repoTimeout = d
		}
	}
}

// WithInstrumentation registers metric callbacks.
func WithInstrumentation(inst Instrumentation) Option {
	return func(s *Service) { s.inst = inst }
}

// New creates a Service over repo and flagCache. A nil flagCache gets a
// default TTL cache.
func New(repo Repository, flagCache *cache.FlagCache, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if flagCache == nil {
		flagCache = cache.New(cache.DefaultTTL)
	}

	svc := &Service{
		repo:        repo,
		cache:       flagCache,
		log:         slog.Default(),
		repoTimeout: defaultRepoTimeout,
		locks:       make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// IsEnabled evaluates one flag for one context. It never fails: an unknown
// key, an invalid key, or an unreachable repository with no cached value all
// resolve to false.
func (s *Service) IsEnabled(ctx context.Context, key string, evalCtx core.Context) bool {
	flag, ok := s.lookupFlag(ctx, key)
	if !ok {
		s.recordEvaluation(false)
		return false
	}

	result := core.Evaluate(flag, evalCtx)
	s.recordEvaluation(result)

	return result
}

// GetUserFlags evaluates every known flag against one context in a single
// pass. If the repository cannot be listed, whatever is cached (stale
// included) is evaluated instead; flags never seen by this process resolve
// absent, which callers treat as disabled.
func (s *Service) GetUserFlags(ctx context.Context, evalCtx core.Context) map[string]bool {
	version := s.cache.Version()

	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	flags, err := s.repo.ListFlags(repoCtx)
	cancel()

	if err != nil {
		s.log.WarnContext(ctx, "flag list unavailable, evaluating cached snapshot", "error", err)
		flags = s.cache.SnapshotStale()
		if len(flags) > 0 {
			s.recordStaleServe()
		}
	} else {
		for _, flag := range flags {
			if !s.cache.PutIfVersion(flag, version) {
				break
			}
		}
	}

	return core.EvaluateAll(flags, evalCtx)
}

// GetAllFlags returns the raw flag definitions, unfiltered and unevaluated.
// Administrative reads propagate repository failures instead of degrading.
func (s *Service) GetAllFlags(ctx context.Context) ([]core.Flag, error) {
	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	flags, err := s.repo.ListFlags(repoCtx)
	if err != nil {
		return nil, classifyRepoError(err)
	}

	return flags, nil
}

// GetFlag returns one raw flag definition by key.
func (s *Service) GetFlag(ctx context.Context, key string) (core.Flag, error) {
	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	flag, err := s.repo.GetFlag(repoCtx, key)
	if err != nil {
		return core.Flag{}, classifyRepoError(err)
	}

	return flag, nil
}

// CreateFlag validates and persists a new flag, appends a "created" history
// row, and invalidates any cache entry for the key.
func (s *Service) CreateFlag(ctx context.Context, flag core.Flag, actor string) (core.Flag, error) {
	flag.Key = strings.TrimSpace(flag.Key)
	if err := core.ValidateFlag(flag); err != nil {
		return core.Flag{}, err
	}

	unlock := s.lockKey(flag.Key)
	defer unlock()

	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	created, err := s.repo.CreateFlag(repoCtx, flag)
	cancel()
	if err != nil {
		return core.Flag{}, classifyRepoError(err)
	}

	s.appendHistory(ctx, repository.HistoryEntry{
		FlagKey:   created.Key,
		Action:    repository.ActionCreated,
		NewValue:  definitionSnapshot(created),
		ChangedBy: actor,
	})
	s.invalidate(created.Key)

	return created, nil
}

// UpdateFlag applies a partial update to an existing flag. The history row
// records before/after snapshots of only the fields that changed. An update
// that changes nothing returns the current row without writing.
func (s *Service) UpdateFlag(ctx context.Context, key string, update FlagUpdate, actor string) (core.Flag, error) {
	unlock := s.lockKey(key)
	defer unlock()

	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	existing, err := s.repo.GetFlag(repoCtx, key)
	cancel()
	if err != nil {
		return core.Flag{}, classifyRepoError(err)
	}

	merged := applyUpdate(existing, update)
	if err := core.ValidateFlag(merged); err != nil {
		return core.Flag{}, err
	}

	previous, changed := diffFields(existing, merged)
	if len(changed) == 0 {
		return existing, nil
	}

	repoCtx, cancel = context.WithTimeout(ctx, s.repoTimeout)
	updated, err := s.repo.UpdateFlag(repoCtx, merged)
	cancel()
	if err != nil {
		return core.Flag{}, classifyRepoError(err)
	}

	s.appendHistory(ctx, repository.HistoryEntry{
		FlagKey:       updated.Key,
		Action:        repository.ActionUpdated,
		PreviousValue: mustJSON(previous),
		NewValue:      mustJSON(changed),
		ChangedBy:     actor,
	})
	s.invalidate(updated.Key)

	return updated, nil
}

// Toggle flips a flag's enabled state. The history row carries the "toggled"
// action so audits can tell a kill-switch flip from a settings change.
func (s *Service) Toggle(ctx context.Context, key string, actor string) (core.Flag, error) {
	unlock := s.lockKey(key)
	defer unlock()

	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	existing, err := s.repo.GetFlag(repoCtx, key)
	cancel()
	if err != nil {
		return core.Flag{}, classifyRepoError(err)
	}

	merged := existing
	merged.Enabled = !existing.Enabled

	repoCtx, cancel = context.WithTimeout(ctx, s.repoTimeout)
	updated, err := s.repo.UpdateFlag(repoCtx, merged)
	cancel()
	if err != nil {
		return core.Flag{}, classifyRepoError(err)
	}

	s.appendHistory(ctx, repository.HistoryEntry{
		FlagKey:       updated.Key,
		Action:        repository.ActionToggled,
		PreviousValue: mustJSON(map[string]any{"enabled": existing.Enabled}),
		NewValue:      mustJSON(map[string]any{"enabled": updated.Enabled}),
		ChangedBy:     actor,
	})
	s.invalidate(updated.Key)

	return updated, nil
}

// DeleteFlag removes a flag. The "deleted" history row keeps the final
// definition snapshot and survives independently of the removed flag row.
func (s *Service) DeleteFlag(ctx context.Context, key string, actor string) error {
	unlock := s.lockKey(key)
	defer unlock()

	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	existing, err := s.repo.GetFlag(repoCtx, key)
	cancel()
	if err != nil {
		return classifyRepoError(err)
	}

	repoCtx, cancel = context.WithTimeout(ctx, s.repoTimeout)
	err = s.repo.DeleteFlag(repoCtx, key)
	cancel()
	if err != nil {
		return classifyRepoError(err)
	}

	s.appendHistory(ctx, repository.HistoryEntry{
		FlagKey:       key,
		Action:        repository.ActionDeleted,
		PreviousValue: definitionSnapshot(existing),
		ChangedBy:     actor,
	})
	s.invalidate(key)

	return nil
}

// History returns the audit trail for one key, newest first. A key with no
// lineage at all is ErrNotFound; a deleted flag still has its history.
func (s *Service) History(ctx context.Context, key string) ([]repository.HistoryEntry, error) {
	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	entries, err := s.repo.ListHistory(repoCtx, key)
	if err != nil {
		return nil, classifyRepoError(err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no history for %q", ErrNotFound, key)
	}

	return entries, nil
}

// RequireFlag guards a gated operation: it fails with ErrFeatureDisabled when
// the flag evaluates false for the context, so callers can distinguish "not
// turned on" from "not allowed".
func (s *Service) RequireFlag(ctx context.Context, key string, evalCtx core.Context) error {
	if !s.IsEnabled(ctx, key, evalCtx) {
		return fmt.Errorf("%w: %s", ErrFeatureDisabled, key)
	}

	return nil
}

func (s *Service) lookupFlag(ctx context.Context, key string) (core.Flag, bool) {
	if flag, ok := s.cache.Get(key); ok {
		if s.inst.CacheHit != nil {
			s.inst.CacheHit()
		}
		return flag, true
	}
	if s.inst.CacheMiss != nil {
		s.inst.CacheMiss()
	}

	// The version is captured before the fetch starts. A mutation that
	// commits and invalidates while the fetch is in flight bumps it, and
	// PutIfVersion then drops the fill: the fetched row may predate the
	// write, and caching it would serve the old value until the TTL.
	version := s.cache.Version()

	repoCtx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	flag, err := s.repo.GetFlag(repoCtx, key)
	cancel()

	if err == nil {
		s.cache.PutIfVersion(flag, version)
		return flag, true
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return core.Flag{}, false
	}

	// Repository unreachable: a stale entry beats failing the check; with
	// nothing cached the flag fails closed.
	if stale, ok := s.cache.GetStale(key); ok {
		s.recordStaleServe()
		s.log.WarnContext(ctx, "flag fetch unavailable, serving stale cache entry", "key", key, "error", err)
		return stale, true
	}

	s.log.WarnContext(ctx, "flag fetch unavailable, failing closed", "key", key, "error", err)
	return core.Flag{}, false
}

// appendHistory writes the audit row for an already-committed mutation. The
// flag change is externally visible at this point, so a history failure is
// logged and counted rather than rolling the mutation back.
func (s *Service) appendHistory(ctx context.Context, entry repository.HistoryEntry) {
	historyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if err := s.repo.AppendHistory(historyCtx, entry); err != nil {
		if s.inst.HistoryFailure != nil {
			s.inst.HistoryFailure()
		}
		s.log.ErrorContext(ctx, "history append failed after committed mutation",
			"key", entry.FlagKey, "action", string(entry.Action), "error", err)
	}
}

func (s *Service) invalidate(key string) {
	s.cache.Invalidate(key)
	if s.inst.CacheInvalidation != nil {
		s.inst.CacheInvalidation()
	}
}

func (s *Service) recordEvaluation(result bool) {
	if s.inst.Evaluation != nil {
		s.inst.Evaluation(result)
	}
}

func (s *Service) recordStaleServe() {
	if s.inst.StaleServe != nil {
		s.inst.StaleServe()
	}
}

// lockKey serializes writers per flag key. Cross-key writes stay concurrent.
func (s *Service) lockKey(key string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func classifyRepoError(err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case repository.IsDuplicateKey(err):
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func applyUpdate(flag core.Flag, update FlagUpdate) core.Flag {
	if update.Enabled != nil {
		flag.Enabled = *update.Enabled
	}
	if update.Environment != nil {
		flag.Environment = *update.Environment
	}
	if update.RolloutPercentage != nil {
		flag.RolloutPercentage = *update.RolloutPercentage
	}
	if update.TargetRoles != nil {
		flag.TargetRoles = slices.Clone(*update.TargetRoles)
	}
	if update.Description != nil {
		flag.Description = *update.Description
	}

	return flag
}

// diffFields returns before/after maps holding only the fields that differ.
func diffFields(before, after core.Flag) (map[string]any, map[string]any) {
	previous := make(map[string]any)
	changed := make(map[string]any)

	if before.Enabled != after.Enabled {
		previous["enabled"], changed["enabled"] = before.Enabled, after.Enabled
	}
	if before.Environment != after.Environment {
		previous["environment"], changed["environment"] = before.Environment, after.Environment
	}
	if before.RolloutPercentage != after.RolloutPercentage {
		previous["rollout_percentage"], changed["rollout_percentage"] = before.RolloutPercentage, after.RolloutPercentage
	}
	if !slices.Equal(before.TargetRoles, after.TargetRoles) {
		previous["target_roles"], changed["target_roles"] = before.TargetRoles, after.TargetRoles
	}
	if before.Description != after.Description {
		previous["description"], changed["description"] = before.Description, after.Description
	}

	return previous, changed
}

func definitionSnapshot(flag core.Flag) json.RawMessage {
	return mustJSON(map[string]any{
		"key":                flag.Key,
		"enabled":            flag.Enabled,
		"environment":        flag.Environment,
		"rollout_percentage": flag.RolloutPercentage,
		"target_roles":       flag.TargetRoles,
		"description":        flag.Description,
	})
}

func mustJSON(value any) json.RawMessage {
	payload, err := json.Marshal(value)
	if err != nil {
		// Maps of plain values cannot fail to marshal.
		return json.RawMessage(`{}`)
	}

	return payload
}
