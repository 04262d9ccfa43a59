package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"slicetune/internal/calibration"
	"slicetune/internal/codec"
	"slicetune/internal/devicecfg"
	"slicetune/internal/events"
	"slicetune/internal/infra/persistence/memory"
	"slicetune/internal/mutation"
	"slicetune/pkg/domain"
)

// DefaultMaxRetries bounds how often SubmitFeedback re-derives after losing
// an optimistic-concurrency race.
const DefaultMaxRetries = 3

// Operation names used for metrics, traces and audit entries.
const (
	opResolveParameters       = "resolve_parameters"
	opSubmitFeedback          = "submit_feedback"
	opProfileHistory          = "profile_history"
	opCurrentProfile          = "current_profile"
	opSaveProfile             = "save_profile"
	opRollbackProfile         = "rollback_profile"
	opListProfiles            = "list_profiles"
	opGenerateCalibration     = "generate_calibration"
	opSaveFilamentCalibration = "save_filament_calibration"
	opGetFilamentOverride     = "get_filament_override"
	opListFilamentOverrides   = "list_filament_overrides"
	opFeedbackPage            = "feedback_page"
)

// Service is the boundary of the tuning engine. Every write goes through
// run, which evaluates the rules engine before commit.
type Service struct {
	store      domain.PersistentStore
	engine     *domain.RulesEngine
	clock      Clock
	logger     Logger
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	publisher  events.Publisher
	table      *mutation.Table
	devices    *devicecfg.Registry
	archiver   ArtifactArchiver
	maxRetries int
	locks      *keyedMutex
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	svc := &Service{
		store:      store,
		logger:     noopLogger{},
		audit:      noopAuditRecorder{},
		metrics:    noopMetricsRecorder{},
		tracer:     noopTracer{},
		publisher:  events.Noop{},
		table:      mutation.DefaultTable(),
		maxRetries: DefaultMaxRetries,
		locks:      newKeyedMutex(),
	}
	if src, ok := store.(interface{ RulesEngine() *domain.RulesEngine }); ok {
		svc.engine = src.RulesEngine()
	}
	if src, ok := store.(interface{ NowFunc() func() time.Time }); ok {
		if fn := src.NowFunc(); fn != nil {
			svc.clock = ClockFunc(fn)
		}
	}
	if svc.clock == nil {
		svc.clock = ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine (the default rules when nil).
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// RegisterRule adds an invariant to the store's rules engine.
func (s *Service) RegisterRule(rule domain.Rule) error {
	if rule == nil {
		return errors.New("rule cannot be nil")
	}
	if s.engine == nil {
		return errors.New("store does not expose a rules engine")
	}
	s.engine.Register(rule)
	return nil
}

// ResolveParameters returns the parameters a slicer should use for key,
// overlaid with the calibrated override for filamentID when one exists. The
// result is always clamped to the catalog ranges.
func (s *Service) ResolveParameters(ctx context.Context, key domain.ProfileKey, filamentID string) (Resolved, error) {
	key = key.Normalize()
	var out Resolved
	err := s.observe(ctx, opResolveParameters, func(ctx context.Context) (string, error) {
		if err := key.Validate(); err != nil {
			return key.ID(), err
		}
		filamentID = strings.TrimSpace(filamentID)
		err := s.store.View(ctx, func(v domain.TransactionView) error {
			current := currentOrSeed(v, key)
			params := current.Parameters.Clone()
			out = Resolved{Key: key, Version: current.Version, Seed: current.IsSeed(), FilamentID: filamentID}
			if filamentID == "" {
				out.Parameters = params.Clamp()
				return nil
			}
			override, ok := v.FindFilamentOverride(key.DeviceID, filamentID)
			if !ok {
				s.logger.Debug("no filament override", "device", key.DeviceID, "filament", filamentID)
				out.Parameters = params.Clamp()
				return nil
			}
			params, out.Overridden = override.ApplyTo(params)
			out.OverrideApplied = len(out.Overridden) > 0
			out.Parameters = params.Clamp()
			return nil
		})
		if err != nil {
			return key.ID(), err
		}
		out.Digest, err = codec.Digest(out.Parameters)
		if err != nil {
			return key.ID(), fmt.Errorf("digest parameters: %w", err)
		}
		return key.ID(), nil
	})
	return out, err
}

// SubmitFeedback records a print outcome and, when a mutation rule matches,
// appends the derived profile version in the same transaction. Submissions
// for one profile are serialized; a lost race against another writer is
// retried against the new current version up to the configured limit.
func (s *Service) SubmitFeedback(ctx context.Context, sub FeedbackSubmission) (SubmitResult, domain.Result, error) {
	var (
		out SubmitResult
		res domain.Result
	)
	err := s.observe(ctx, opSubmitFeedback, func(ctx context.Context) (string, error) {
		rec := sub.record()
		if rec.SubmittedAt.IsZero() {
			rec.SubmittedAt = s.clock.Now()
		}
		if err := rec.Validate(); err != nil {
			return "", err
		}
		key := rec.Key()
		unlock := s.locks.Lock(key.ID())
		defer unlock()

		for attempt := 1; ; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			current, err := s.current(ctx, key)
			if err != nil {
				return "", err
			}
			if rec.ProfileVersion > current.Version {
				return "", &domain.UnknownProfileVersionError{Key: key, Version: rec.ProfileVersion, Current: current.Version}
			}
			decision := s.table.Evaluate(rec, current.Parameters)
			attemptRec := rec.Clone()
			attemptRec.Stale = rec.ProfileVersion != current.Version

			var (
				saved   domain.FeedbackRecord
				created domain.ProfileVersion
			)
			res, err = s.run(ctx, func(tx domain.Transaction) error {
				next := current.Version + 1
				if decision.Mutated() {
					attemptRec.AppliedRule = decision.Rule
					attemptRec.ResultingVersion = &next
				}
				var err error
				saved, err = tx.AppendFeedback(attemptRec)
				if err != nil {
					return err
				}
				if !decision.Mutated() {
					return nil
				}
				parent := current.Version
				created, err = tx.AppendProfileVersion(key, current.Version, domain.ProfileVersion{
					Parameters:         decision.Parameters,
					CreatedAt:          s.clock.Now(),
					DerivedFromVersion: &parent,
					Reason:             decision.Rule,
					FeedbackID:         saved.ID,
				})
				return err
			})
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				if attempt >= s.maxRetries {
					return "", &domain.ConflictError{Key: key, Expected: conflict.Expected, Actual: conflict.Actual, Attempts: attempt}
				}
				s.logger.Debug("feedback lost version race, retrying", "profile", key.ID(), "attempt", attempt)
				continue
			}
			if err != nil {
				return "", err
			}

			out = SubmitResult{
				Accepted:        true,
				FeedbackID:      saved.ID,
				MutationApplied: decision.Mutated(),
				Outcome:         decision.Outcome,
				Rule:            decision.Rule,
				Changes:         decision.Changes,
				Stale:           attemptRec.Stale,
				Attempts:        attempt,
			}
			if attemptRec.Stale {
				warning := domain.StaleFeedbackWarning{Key: key, Referenced: rec.ProfileVersion, Current: current.Version}
				s.logger.Warn(warning.String(), "profile", key.ID(), "feedback", saved.ID)
			}
			if decision.Outcome == mutation.OutcomeUnmapped {
				s.logger.Info("no mutation rule for failure type", "profile", key.ID(), "failure_type", string(rec.FailureType))
			}
			if observer, ok := s.metrics.(MutationObserver); ok {
				observer.ObserveMutation(ctx, decision.Outcome, decision.Rule)
			}
			if decision.Mutated() {
				v := created.Version
				out.NewVersion = &v
				s.logger.Info("profile mutated", "profile", key.ID(), "version", v, "rule", string(decision.Rule))
				s.publish(ctx, created)
			}
			return saved.ID, nil
		}
	})
	return out, res, err
}

// GetProfileHistory returns every version of key oldest first, each with its
// parameter diff against the version before it (the seed for version 1). A
// profile without saved versions has an empty history.
func (s *Service) GetProfileHistory(ctx context.Context, key domain.ProfileKey) ([]VersionSummary, error) {
	key = key.Normalize()
	var out []VersionSummary
	err := s.observe(ctx, opProfileHistory, func(ctx context.Context) (string, error) {
		if err := key.Validate(); err != nil {
			return key.ID(), err
		}
		return key.ID(), s.store.View(ctx, func(v domain.TransactionView) error {
			history := v.ProfileHistory(key)
			out = make([]VersionSummary, 0, len(history))
			for i, version := range history {
				// diff against what the version replaced, so a rollback shows
				// what it undid
				previous := domain.SeedVersion(key)
				if i > 0 {
					previous = history[i-1]
				}
				out = append(out, VersionSummary{
					Version:            version.Version,
					CreatedAt:          version.CreatedAt,
					DerivedFromVersion: version.DerivedFromVersion,
					Reason:             version.Reason,
					FeedbackID:         version.FeedbackID,
					Digest:             version.Digest,
					Changes:            version.Parameters.Diff(previous.Parameters),
				})
			}
			return nil
		})
	})
	return out, err
}

// GetCurrentProfile returns the highest version of key, or the seed version
// when none has been saved.
func (s *Service) GetCurrentProfile(ctx context.Context, key domain.ProfileKey) (domain.ProfileVersion, error) {
	key = key.Normalize()
	var out domain.ProfileVersion
	err := s.observe(ctx, opCurrentProfile, func(ctx context.Context) (string, error) {
		if err := key.Validate(); err != nil {
			return key.ID(), err
		}
		var err error
		out, err = s.current(ctx, key)
		return key.ID(), err
	})
	return out, err
}

// SaveProfile appends a manual edit. Parameters not named in the request keep
// their current values.
func (s *Service) SaveProfile(ctx context.Context, req SaveProfileRequest) (domain.ProfileVersion, domain.Result, error) {
	key := req.Key.Normalize()
	var (
		created domain.ProfileVersion
		res     domain.Result
	)
	err := s.observe(ctx, opSaveProfile, func(ctx context.Context) (string, error) {
		if err := key.Validate(); err != nil {
			return key.ID(), err
		}
		unlock := s.locks.Lock(key.ID())
		defer unlock()
		var err error
		res, err = s.run(ctx, func(tx domain.Transaction) error {
			current, ok := tx.CurrentVersion(key)
			if !ok {
				current = domain.SeedVersion(key)
			}
			expected := current.Version
			if req.ExpectedVersion != nil {
				expected = *req.ExpectedVersion
			}
			params := current.Parameters.Clone()
			for _, p := range req.Parameters {
				params = params.With(p.Name, p.Value)
			}
			parent := current.Version
			var err error
			created, err = tx.AppendProfileVersion(key, expected, domain.ProfileVersion{
				Parameters:         params,
				CreatedAt:          s.clock.Now(),
				DerivedFromVersion: &parent,
				Reason:             domain.ReasonManualEdit,
			})
			return err
		})
		return key.ID(), err
	})
	if err == nil {
		s.publish(ctx, created)
	}
	return created, res, err
}

// RollbackProfile appends a copy of version target's parameters as the new
// current version. History is never rewritten; target 0 restores the seed.
func (s *Service) RollbackProfile(ctx context.Context, key domain.ProfileKey, target int) (domain.ProfileVersion, domain.Result, error) {
	key = key.Normalize()
	var (
		created domain.ProfileVersion
		res     domain.Result
	)
	err := s.observe(ctx, opRollbackProfile, func(ctx context.Context) (string, error) {
		if err := key.Validate(); err != nil {
			return key.ID(), err
		}
		unlock := s.locks.Lock(key.ID())
		defer unlock()
		var err error
		res, err = s.run(ctx, func(tx domain.Transaction) error {
			view := tx.Snapshot()
			previous, ok := view.FindProfileVersion(key, target)
			if !ok {
				current, _ := tx.CurrentVersion(key)
				return &domain.UnknownProfileVersionError{Key: key, Version: target, Current: current.Version}
			}
			current, _ := tx.CurrentVersion(key)
			from := previous.Version
			var err error
			created, err = tx.AppendProfileVersion(key, current.Version, domain.ProfileVersion{
				Parameters:         previous.Parameters,
				CreatedAt:          s.clock.Now(),
				DerivedFromVersion: &from,
				Reason:             domain.ReasonManualRollback,
			})
			return err
		})
		return key.ID(), err
	})
	if err == nil {
		s.logger.Info("profile rolled back", "profile", key.ID(), "target", target, "version", created.Version)
		s.publish(ctx, created)
	}
	return created, res, err
}

// ListProfiles summarizes the saved profiles of a device, or of every device
// when deviceID is empty.
func (s *Service) ListProfiles(ctx context.Context, deviceID string) ([]domain.ProfileSummary, error) {
	var out []domain.ProfileSummary
	err := s.observe(ctx, opListProfiles, func(ctx context.Context) (string, error) {
		return deviceID, s.store.View(ctx, func(v domain.TransactionView) error {
			out = v.ListProfiles(strings.TrimSpace(deviceID))
			return nil
		})
	})
	return out, err
}

// GenerateCalibration produces a calibration print bounded by the device
// limits. Supplied limits win over the device registry, which wins over the
// defaults. It never writes to the profile store or the override registry.
func (s *Service) GenerateCalibration(ctx context.Context, req CalibrationRequest) (CalibrationResult, error) {
	var out CalibrationResult
	err := s.observe(ctx, opGenerateCalibration, func(ctx context.Context) (string, error) {
		limits, err := s.calibrationLimits(req)
		if err != nil {
			return req.DeviceID, err
		}
		generated, err := calibration.Generate(calibration.Request{
			Type:     req.Type,
			Material: req.Material,
			Limits:   limits,
			Sweep:    req.Sweep,
		})
		if err != nil {
			return req.DeviceID, err
		}
		out = CalibrationResult{Instructions: generated, Limits: limits}
		if s.archiver == nil {
			return generated.Digest, nil
		}
		ref, err := s.archiver.Archive(ctx, generated)
		if err != nil {
			s.logger.Error("archive calibration artifact", "type", string(generated.Type), "digest", generated.Digest, "error", err)
			return generated.Digest, nil
		}
		out.Artifact = &ref
		return generated.Digest, nil
	})
	return out, err
}

func (s *Service) calibrationLimits(req CalibrationRequest) (calibration.Limits, error) {
	if req.Limits != nil {
		return *req.Limits, nil
	}
	id := strings.TrimSpace(req.DeviceID)
	if s.devices == nil {
		return calibration.DefaultLimits(), nil
	}
	if id == "" {
		d, ok := s.devices.Default()
		if !ok {
			return calibration.DefaultLimits(), nil
		}
		id = d.ID
	}
	caps, err := s.devices.Capabilities(id)
	if err != nil {
		return calibration.Limits{}, err
	}
	return caps.Limits(), nil
}

// SaveFilamentCalibration stores override as the complete calibration record
// for its (device, filament) pair, replacing any previous one.
func (s *Service) SaveFilamentCalibration(ctx context.Context, override domain.FilamentOverride) (domain.FilamentOverride, domain.Result, error) {
	var (
		saved domain.FilamentOverride
		res   domain.Result
	)
	err := s.observe(ctx, opSaveFilamentCalibration, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.run(ctx, func(tx domain.Transaction) error {
			var err error
			saved, err = tx.SaveFilamentOverride(override)
			return err
		})
		return override.OverrideKey(), err
	})
	return saved, res, err
}

// GetFilamentOverride returns the override for (deviceID, filamentID).
func (s *Service) GetFilamentOverride(ctx context.Context, deviceID, filamentID string) (domain.FilamentOverride, error) {
	lookup := domain.FilamentOverride{DeviceID: deviceID, FilamentID: filamentID}
	var out domain.FilamentOverride
	err := s.observe(ctx, opGetFilamentOverride, func(ctx context.Context) (string, error) {
		id := lookup.OverrideKey()
		return id, s.store.View(ctx, func(v domain.TransactionView) error {
			o, ok := v.FindFilamentOverride(strings.TrimSpace(deviceID), strings.TrimSpace(filamentID))
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityFilamentOverride, ID: id}
			}
			out = o
			return nil
		})
	})
	return out, err
}

// ListFilamentOverrides returns a device's overrides sorted by filament id.
func (s *Service) ListFilamentOverrides(ctx context.Context, deviceID string) ([]domain.FilamentOverride, error) {
	var out []domain.FilamentOverride
	err := s.observe(ctx, opListFilamentOverrides, func(ctx context.Context) (string, error) {
		return deviceID, s.store.View(ctx, func(v domain.TransactionView) error {
			out = v.ListFilamentOverrides(strings.TrimSpace(deviceID))
			return nil
		})
	})
	return out, err
}

// FeedbackPage returns one most-recent-first page of the ledger.
func (s *Service) FeedbackPage(ctx context.Context, query domain.FeedbackQuery) (domain.FeedbackPage, error) {
	var out domain.FeedbackPage
	err := s.observe(ctx, opFeedbackPage, func(ctx context.Context) (string, error) {
		return query.DeviceID, s.store.View(ctx, func(v domain.TransactionView) error {
			out = v.ListFeedback(query)
			return nil
		})
	})
	return out, err
}

// FeedbackHistory iterates the ledger most recent first, fetching pages of
// query.Limit records on demand. Iteration stops at the first error.
func (s *Service) FeedbackHistory(ctx context.Context, query domain.FeedbackQuery) iter.Seq2[domain.FeedbackRecord, error] {
	return func(yield func(domain.FeedbackRecord, error) bool) {
		q := query
		for {
			page, err := s.FeedbackPage(ctx, q)
			if err != nil {
				yield(domain.FeedbackRecord{}, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if page.Next == nil || len(page.Records) == 0 {
				return
			}
			next := *page.Next
			q.After = &next
		}
	}
}

func (s *Service) current(ctx context.Context, key domain.ProfileKey) (domain.ProfileVersion, error) {
	var out domain.ProfileVersion
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = currentOrSeed(v, key)
		return nil
	})
	return out, err
}

func currentOrSeed(v domain.TransactionView, key domain.ProfileKey) domain.ProfileVersion {
	if current, ok := v.CurrentVersion(key); ok {
		return current
	}
	return domain.SeedVersion(key)
}

func (s *Service) publish(ctx context.Context, v domain.ProfileVersion) {
	if err := s.publisher.Publish(ctx, events.NewProfileVersionCreated(v)); err != nil {
		s.logger.Warn("publish profile version event", "profile", v.ProfileID, "version", v.Version, "error", err)
	}
}

// run executes fn in a store transaction and logs non-blocking violations.
func (s *Service) run(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "rule", v.Rule, "entity", string(v.Entity), "id", v.EntityID, "message", v.Message)
	}
	return res, nil
}

// observe wraps an operation in a span, a metrics sample and, for writes, an
// audit entry. fn returns the id of the entity it touched.
func (s *Service) observe(ctx context.Context, op string, fn func(context.Context) (string, error)) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	entityID, err := fn(ctx)
	elapsed := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		s.logger.Debug("operation failed", "operation", op, "error", err)
		s.recordAuditError(ctx, op, entityID, elapsed, err)
		return err
	}
	s.recordAuditSuccess(ctx, op, entityID, elapsed)
	return nil
}

type auditTarget struct {
	entity domain.EntityType
	action domain.Action
}

var auditTargets = map[string]auditTarget{
	opSubmitFeedback:          {entity: domain.EntityFeedback, action: domain.ActionCreate},
	opSaveProfile:             {entity: domain.EntityProfileVersion, action: domain.ActionCreate},
	opRollbackProfile:         {entity: domain.EntityProfileVersion, action: domain.ActionCreate},
	opSaveFilamentCalibration: {entity: domain.EntityFilamentOverride, action: domain.ActionUpdate},
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	s.recordAudit(ctx, op, entityID, duration, nil)
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, duration, err)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	target, ok := auditTargets[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    target.entity,
		Action:    target.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
