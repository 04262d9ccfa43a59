// Package memory holds the transactional state for profiles, the feedback
// ledger and filament overrides. Durable stores wrap it with a CommitHook that
// writes the new rows before the new state goes live.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"slicetune/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Commit is a validated transaction about to replace the live state.
type Commit struct {
	// Buckets lists the buckets the transaction wrote, in Buckets order.
	Buckets []string
	// Rows holds only the records the transaction wrote.
	Rows []Row
}

// CommitHook persists a commit. A non-nil error aborts the transaction and
// the live state stays as it was.
type CommitHook func(ctx context.Context, c Commit) error

// Option configures a Store.
type Option func(*Store)

// WithCommitHook installs the hook run under the write lock before each commit.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// WithNowFunc overrides the clock used to stamp records.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// Store is an in-memory transactional store. Each transaction works on a
// copy-on-write view of the state; rules run against it and it replaces the
// live state only when nothing blocks and the hook (if any) succeeds.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore returns an empty store. A nil engine evaluates no rules.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) newID() string { return uuid.NewString() }

// ExportState clones the live state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the live state without running rules or the hook.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the clock used to stamp records that arrive without a
// timestamp.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// RunInTransaction runs fn against a private view of the state and commits it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{store: s, state: s.state, now: s.nowFn()}
	committed := false
	defer func() {
		if !committed {
			tx.discard()
		}
	}()
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	res, err := s.engine.Evaluate(ctx, newTransactionView(&tx.state), tx.changes)
	if err != nil {
		return domain.Result{}, err
	}
	if res.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}

	if s.hook != nil && len(tx.changes) > 0 {
		rows, err := rowsOf(tx.changes)
		if err != nil {
			return res, err
		}
		if err := s.hook(ctx, Commit{Buckets: touchedBuckets(tx.changes), Rows: rows}); err != nil {
			return res, err
		}
	}
	s.state = tx.state
	committed = true
	return res, nil
}

// View runs fn against the live state under the read lock. fn must not
// start a transaction on the same store.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTransactionView(&s.state))
}
