package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"slicetune/pkg/domain"
)

var testKey = domain.NewProfileKey("voron", "pla", "")

func appendVersion(t *testing.T, store *Store, expected int, params domain.ParameterSet) domain.ProfileVersion {
	t.Helper()
	var out domain.ProfileVersion
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		v, err := tx.AppendProfileVersion(testKey, expected, domain.ProfileVersion{Parameters: params})
		out = v
		return err
	})
	if err != nil {
		t.Fatalf("append version: %v", err)
	}
	return out
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.CurrentVersion(testKey); ok {
			t.Fatalf("expected no persisted version")
		}
		v, err := tx.AppendProfileVersion(testKey, 0, domain.ProfileVersion{Parameters: domain.DefaultParameters("PLA")})
		if err != nil {
			return err
		}
		if v.Version != 1 || v.ProfileID != "voron/PLA/standard" || v.Digest == "" {
			t.Fatalf("unexpected version %+v", v)
		}
		if len(tx.Snapshot().ProfileHistory(testKey)) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if len(v.ListProfiles("")) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	})
	store.ImportState(snapshot)
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if cur, ok := v.CurrentVersion(testKey); !ok || cur.Version != 1 {
			t.Fatalf("expected restored state, got %+v", cur)
		}
		return nil
	})
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
}

func TestAppendProfileVersionConflict(t *testing.T) {
	store := NewStore(nil)
	appendVersion(t, store, 0, domain.DefaultParameters("PLA"))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AppendProfileVersion(testKey, 0, domain.ProfileVersion{Parameters: domain.DefaultParameters("PLA")})
		return err
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("expected conflict, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if n := len(v.ProfileHistory(testKey)); n != 1 {
			t.Fatalf("conflicting append must not be stored, history has %d", n)
		}
		return nil
	})
}

func TestAppendProfileVersionValidatesParameters(t *testing.T) {
	store := NewStore(nil)
	bad := domain.DefaultParameters("PLA").With(domain.ParamFlowMultiplier, 3)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AppendProfileVersion(testKey, 0, domain.ProfileVersion{Parameters: bad})
		return err
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHistoryIsImmutable(t *testing.T) {
	store := NewStore(nil)
	appendVersion(t, store, 0, domain.DefaultParameters("PLA"))
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		h := v.ProfileHistory(testKey)
		h[0].Parameters[0].Value = 99
		return nil
	})
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		got, _ := v.FindProfileVersion(testKey, 1)
		if got.Parameters[0].Value == 99 {
			t.Fatalf("caller mutation leaked into the store")
		}
		seed, ok := v.FindProfileVersion(testKey, 0)
		if !ok || !seed.IsSeed() {
			t.Fatalf("expected version 0 to resolve to the seed")
		}
		if _, ok := v.FindProfileVersion(testKey, 2); ok {
			t.Fatalf("expected missing version")
		}
		return nil
	})
}

func TestAppendFeedbackReferentialIntegrity(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.AppendFeedback(domain.FeedbackRecord{DeviceID: "voron", Material: "PLA", ProfileVersion: 3, Result: domain.OutcomeSuccess})
		return err
	})
	var unknown *domain.UnknownProfileVersionError
	if !errors.As(err, &unknown) || unknown.Version != 3 || unknown.Current != 0 {
		t.Fatalf("expected unknown version error, got %v", err)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, err := tx.AppendFeedback(domain.FeedbackRecord{DeviceID: "voron", Material: "pla", Result: "FAILURE", FailureType: " Stringing "})
		if err != nil {
			return err
		}
		if r.ID == "" || r.Sequence != 1 || r.Material != "PLA" || r.ProfileName != "standard" {
			t.Fatalf("unexpected normalized record %+v", r)
		}
		if r.Result != domain.OutcomeFailure || r.FailureType != domain.FailureStringing {
			t.Fatalf("expected normalized outcome, got %+v", r)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed version feedback: %v", err)
	}
}

func TestListFeedbackPaging(t *testing.T) {
	store := NewStore(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		for i := 0; i < 5; i++ {
			material := "PLA"
			if i%2 == 1 {
				material = "PETG"
			}
			if _, err := tx.AppendFeedback(domain.FeedbackRecord{
				DeviceID: "voron", Material: material, Result: domain.OutcomeSuccess,
				SubmittedAt: base.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		_, err := tx.AppendFeedback(domain.FeedbackRecord{DeviceID: "ender", Material: "PLA", Result: domain.OutcomeSuccess, SubmittedAt: base})
		return err
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		page := v.ListFeedback(domain.FeedbackQuery{DeviceID: "voron", Limit: 2})
		if len(page.Records) != 2 || page.Next == nil {
			t.Fatalf("unexpected first page %+v", page)
		}
		if page.Records[0].Sequence != 5 || page.Records[1].Sequence != 4 {
			t.Fatalf("expected most recent first, got %d,%d", page.Records[0].Sequence, page.Records[1].Sequence)
		}
		var seqs []int64
		for cursor := page.Next; ; {
			next := v.ListFeedback(domain.FeedbackQuery{DeviceID: "voron", Limit: 2, After: cursor})
			for _, r := range next.Records {
				seqs = append(seqs, r.Sequence)
			}
			if next.Next == nil {
				break
			}
			cursor = next.Next
		}
		if len(seqs) != 3 || seqs[0] != 3 || seqs[2] != 1 {
			t.Fatalf("unexpected remaining pages %v", seqs)
		}
		petg := v.ListFeedback(domain.FeedbackQuery{DeviceID: "voron", Material: "petg"})
		if len(petg.Records) != 2 || petg.Next != nil {
			t.Fatalf("expected 2 PETG records, got %d", len(petg.Records))
		}
		return nil
	})
}

func TestFilamentOverrideReplace(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	pa := 0.04
	for i := 0; i < 2; i++ {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.SaveFilamentOverride(domain.FilamentOverride{DeviceID: "voron", FilamentID: "spool-1", Material: "pla", PressureAdvance: &pa, Calibrated: true})
			return err
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		list := v.ListFilamentOverrides("voron")
		if len(list) != 1 || list[0].Material != "PLA" || *list[0].PressureAdvance != 0.04 {
			t.Fatalf("expected a single replaced override, got %+v", list)
		}
		if _, ok := v.FindFilamentOverride("voron", "spool-2"); ok {
			t.Fatalf("expected missing override")
		}
		return nil
	})
	bad := 2.0
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.SaveFilamentOverride(domain.FilamentOverride{DeviceID: "voron", FilamentID: "spool-1", PressureAdvance: &bad})
		return err
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected out of range override to be rejected, got %v", err)
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.AppendProfileVersion(testKey, 0, domain.ProfileVersion{Parameters: domain.DefaultParameters("PLA")})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.CurrentVersion(testKey); ok {
			t.Fatalf("blocked transaction must not commit")
		}
		return nil
	})
}

func TestMigrateSnapshotTruncatesGaps(t *testing.T) {
	key := testKey
	snap := Snapshot{
		Profiles: map[string][]domain.ProfileVersion{
			"stale-id": {
				{Key: key, Version: 2},
				{Key: key, Version: 1},
				{Key: key, Version: 4},
			},
		},
		Feedback: []domain.FeedbackRecord{
			{ID: "b", Sequence: 2},
			{ID: "a", Sequence: 2},
			{ID: "a", Sequence: 9},
		},
	}
	migrated := migrateSnapshot(snap)
	versions := migrated.Profiles[key.ID()]
	if len(versions) != 2 || versions[1].Version != 2 {
		t.Fatalf("expected versions 1..2, got %+v", versions)
	}
	if len(migrated.Feedback) != 2 || migrated.Feedback[1].Sequence != 3 {
		t.Fatalf("expected deduplicated, resequenced feedback, got %+v", migrated.Feedback)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	res.Merge(domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}})
	return res, nil
}

func TestCommitHookSeesTouchedBuckets(t *testing.T) {
	var commits []Commit
	fail := false
	store := NewStore(nil, WithCommitHook(func(_ context.Context, c Commit) error {
		if fail {
			return errors.New("disk full")
		}
		commits = append(commits, c)
		return nil
	}))
	ctx := context.Background()

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.AppendProfileVersion(testKey, 0, domain.ProfileVersion{Parameters: domain.DefaultParameters("PLA")}); err != nil {
			return err
		}
		_, err := tx.AppendFeedback(domain.FeedbackRecord{DeviceID: "voron", Material: "PLA", ProfileVersion: 1, Result: domain.OutcomeSuccess})
		return err
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(domain.Transaction) error { return nil }); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected only the writing transaction to reach the hook, got %d", len(commits))
	}
	if got := strings.Join(commits[0].Buckets, ","); got != "profiles,feedback" {
		t.Fatalf("unexpected buckets %s", got)
	}
	rows := commits[0].Rows
	if len(rows) != 2 || rows[0].Key != "profiles/voron/PLA/standard@1" || rows[1].Key != "feedback/00000000000000000001" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].Replace || rows[1].Replace {
		t.Fatalf("versions and feedback are written once")
	}

	fail = true
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.AppendProfileVersion(testKey, 1, domain.ProfileVersion{Parameters: domain.DefaultParameters("PLA")})
		return err
	})
	if err == nil {
		t.Fatalf("expected hook error")
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if cur, _ := v.CurrentVersion(testKey); cur.Version != 1 {
			t.Fatalf("failed hook must leave state untouched, got v%d", cur.Version)
		}
		return nil
	})
}

func ledgerStore(t *testing.T, records int) *Store {
	t.Helper()
	snap := Snapshot{Profiles: map[string][]domain.ProfileVersion{
		testKey.ID(): {{Key: testKey, ProfileID: testKey.ID(), Version: 1, Parameters: domain.DefaultParameters("PLA")}},
	}}
	for i := 1; i <= records; i++ {
		snap.Feedback = append(snap.Feedback, domain.FeedbackRecord{
			ID: fmt.Sprintf("fb-%d", i), Sequence: int64(i), DeviceID: "voron", Material: "PLA",
			ProfileVersion: 1, Result: domain.OutcomeSuccess,
		})
	}
	store := NewStore(nil)
	store.ImportState(snap)
	return store
}

func TestViewCostIndependentOfLedgerSize(t *testing.T) {
	ctx := context.Background()
	read := func(store *Store) func() {
		return func() {
			_ = store.View(ctx, func(v domain.TransactionView) error {
				_, _ = v.CurrentVersion(testKey)
				_, _ = v.FindFilamentOverride("voron", "spool")
				return nil
			})
		}
	}
	small := testing.AllocsPerRun(50, read(ledgerStore(t, 10)))
	large := testing.AllocsPerRun(50, read(ledgerStore(t, 5000)))
	if large > small {
		t.Fatalf("view allocations grow with the ledger: %v with 10 records, %v with 5000", small, large)
	}
}

func TestCommitRowsHoldOnlyNewRecords(t *testing.T) {
	store := ledgerStore(t, 500)
	var commits []Commit
	store.hook = func(_ context.Context, c Commit) error {
		commits = append(commits, c)
		return nil
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AppendFeedback(domain.FeedbackRecord{DeviceID: "voron", Material: "PLA", ProfileVersion: 1, Result: domain.OutcomeSuccess})
		return err
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(commits) != 1 || len(commits[0].Rows) != 1 || commits[0].Rows[0].Key != "feedback/00000000000000000501" {
		t.Fatalf("expected a single new feedback row, got %+v", commits)
	}
}

func TestFailedTransactionLeavesSharedStateUntouched(t *testing.T) {
	store := ledgerStore(t, 3)
	ctx := context.Background()
	pa := 0.04
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.AppendFeedback(domain.FeedbackRecord{ID: "doomed", DeviceID: "voron", Material: "PLA", ProfileVersion: 1, Result: domain.OutcomeSuccess}); err != nil {
			return err
		}
		if _, err := tx.AppendProfileVersion(testKey, 1, domain.ProfileVersion{Parameters: domain.DefaultParameters("PLA")}); err != nil {
			return err
		}
		if _, err := tx.SaveFilamentOverride(domain.FilamentOverride{DeviceID: "voron", FilamentID: "spool", PressureAdvance: &pa}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected abort")
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindFeedback("doomed"); ok {
			t.Fatalf("aborted feedback is visible")
		}
		if cur, _ := v.CurrentVersion(testKey); cur.Version != 1 {
			t.Fatalf("aborted version is visible: v%d", cur.Version)
		}
		if _, ok := v.FindFilamentOverride("voron", "spool"); ok {
			t.Fatalf("aborted override is visible")
		}
		if page := v.ListFeedback(domain.FeedbackQuery{}); len(page.Records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(page.Records))
		}
		return nil
	})

	// the id is free again and the slot the aborted append used is reused
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, err := tx.AppendFeedback(domain.FeedbackRecord{ID: "doomed", DeviceID: "voron", Material: "PLA", ProfileVersion: 1, Result: domain.OutcomeSuccess})
		if err == nil && r.Sequence != 4 {
			t.Fatalf("expected sequence 4, got %d", r.Sequence)
		}
		return err
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if r, ok := v.FindFeedback("doomed"); !ok || r.Sequence != 4 {
			t.Fatalf("expected committed record, got %+v", r)
		}
		return nil
	})
}
