package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"slicetune/internal/artifact"
	"slicetune/internal/calibration"
	"slicetune/internal/devicecfg"
	"slicetune/internal/events"
	"slicetune/internal/mutation"
	"slicetune/pkg/domain"
)

type logEntry struct {
	level string
	msg   string
	kv    []any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, kv: kv})
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *recordingLogger) Warn(msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.add("error", msg, kv) }

func (l *recordingLogger) has(level, fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.msg, fragment) {
			return true
		}
	}
	return false
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingAudit) Record(_ context.Context, entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

var plaKey = domain.NewProfileKey("voron", "PLA", "")

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return NewInMemoryService(NewDefaultRulesEngine(), opts...)
}

func saveVersion(t *testing.T, svc *Service, params domain.ParameterSet) domain.ProfileVersion {
	t.Helper()
	v, _, err := svc.SaveProfile(context.Background(), SaveProfileRequest{Key: plaKey, Parameters: params})
	if err != nil {
		t.Fatalf("save profile: %v", err)
	}
	return v
}

func value(t *testing.T, ps domain.ParameterSet, name domain.ParameterName) float64 {
	t.Helper()
	v, ok := ps.Get(name)
	if !ok {
		t.Fatalf("parameter %s missing", name)
	}
	return v
}

func failure(version int, ft domain.FailureType) FeedbackSubmission {
	return FeedbackSubmission{
		DeviceID:       plaKey.DeviceID,
		Material:       plaKey.Material,
		ProfileVersion: version,
		Result:         domain.OutcomeFailure,
		FailureType:    ft,
	}
}

func TestSubmitFeedbackUnderExtrusionRaisesFlow(t *testing.T) {
	ctx := context.Background()
	recorder := &events.Recorder{}
	svc := newTestService(t, WithPublisher(recorder))
	v1 := saveVersion(t, svc, nil)
	if v1.Version != 1 || value(t, v1.Parameters, domain.ParamFlowMultiplier) != 1.0 {
		t.Fatalf("unexpected v1 %+v", v1)
	}

	out, _, err := svc.SubmitFeedback(ctx, failure(1, domain.FailureUnderExtrusion))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Accepted || !out.MutationApplied || out.NewVersion == nil || *out.NewVersion != 2 {
		t.Fatalf("expected v2 to be created, got %+v", out)
	}
	if out.Rule != mutation.RuleIncreaseFlow || out.Stale || out.Attempts != 1 {
		t.Fatalf("unexpected result %+v", out)
	}

	v2, err := svc.GetCurrentProfile(ctx, plaKey)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got := value(t, v2.Parameters, domain.ParamFlowMultiplier); got != 1.02 {
		t.Fatalf("expected flow 1.02, got %v", got)
	}
	if v2.DerivedFromVersion == nil || *v2.DerivedFromVersion != 1 || v2.Reason != mutation.RuleIncreaseFlow || v2.FeedbackID != out.FeedbackID {
		t.Fatalf("unexpected lineage %+v", v2)
	}
	for _, name := range []domain.ParameterName{domain.ParamNozzleTemperature, domain.ParamRetractionDistance, domain.ParamPrintSpeed} {
		if value(t, v2.Parameters, name) != value(t, v1.Parameters, name) {
			t.Fatalf("%s changed unexpectedly", name)
		}
	}

	page, err := svc.FeedbackPage(ctx, domain.FeedbackQuery{DeviceID: "voron"})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected one ledger record, got %d", len(page.Records))
	}
	rec := page.Records[0]
	if rec.AppliedRule != mutation.RuleIncreaseFlow || rec.ResultingVersion == nil || *rec.ResultingVersion != 2 {
		t.Fatalf("ledger record not linked to v2: %+v", rec)
	}

	published := recorder.Events()
	if len(published) != 2 || published[1].Version != 2 || published[1].FeedbackID != out.FeedbackID {
		t.Fatalf("expected events for v1 and v2, got %+v", published)
	}
}

func TestSubmitFeedbackSuccessLeavesHistoryUntouched(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	saveVersion(t, svc, nil)
	saveVersion(t, svc, domain.ParameterSet{{Name: domain.ParamPrintSpeed, Value: 60}})
	saveVersion(t, svc, domain.ParameterSet{{Name: domain.ParamPrintSpeed, Value: 70}})

	out, _, err := svc.SubmitFeedback(ctx, FeedbackSubmission{DeviceID: "voron", Material: "pla", ProfileVersion: 3, Result: domain.OutcomeSuccess})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Accepted || out.MutationApplied || out.NewVersion != nil || out.Outcome != mutation.OutcomeSuccess {
		t.Fatalf("success must not mutate, got %+v", out)
	}
	history, err := svc.GetProfileHistory(ctx, plaKey)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(history))
	}
}

func TestSubmitFeedbackAgainstSeed(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	out, _, err := svc.SubmitFeedback(ctx, failure(0, domain.FailureWarping))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.NewVersion == nil || *out.NewVersion != 1 {
		t.Fatalf("expected v1 from seed, got %+v", out)
	}
	v1, err := svc.GetCurrentProfile(ctx, plaKey)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if v1.DerivedFromVersion == nil || *v1.DerivedFromVersion != 0 {
		t.Fatalf("expected v1 derived from seed, got %+v", v1.DerivedFromVersion)
	}
	if got := value(t, v1.Parameters, domain.ParamBedTemperature); got != 65 {
		t.Fatalf("expected bed 65, got %v", got)
	}
}

func TestSubmitFeedbackStaleAppliesToCurrent(t *testing.T) {
	ctx := context.Background()
	logger := &recordingLogger{}
	svc := newTestService(t, WithLogger(logger))
	saveVersion(t, svc, nil)
	saveVersion(t, svc, domain.ParameterSet{{Name: domain.ParamRetractionDistance, Value: 3}})

	out, _, err := svc.SubmitFeedback(ctx, failure(1, domain.FailureStringing))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Stale || out.NewVersion == nil || *out.NewVersion != 3 {
		t.Fatalf("expected stale mutation to v3, got %+v", out)
	}
	if !logger.has("warn", "stale feedback") {
		t.Fatalf("expected stale warning to be logged")
	}
	v3, err := svc.GetCurrentProfile(ctx, plaKey)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if *v3.DerivedFromVersion != 2 {
		t.Fatalf("stale feedback must derive from current, got v%d", *v3.DerivedFromVersion)
	}
	if got := value(t, v3.Parameters, domain.ParamRetractionDistance); got != 3.2 {
		t.Fatalf("expected retraction 3.2, got %v", got)
	}
	if got := value(t, v3.Parameters, domain.ParamNozzleTemperature); got != 195 {
		t.Fatalf("expected nozzle 195, got %v", got)
	}
	page, _ := svc.FeedbackPage(ctx, domain.FeedbackQuery{DeviceID: "voron"})
	if !page.Records[0].Stale {
		t.Fatalf("ledger record should be marked stale")
	}
}

func TestSubmitFeedbackUnknownVersion(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	saveVersion(t, svc, nil)
	_, _, err := svc.SubmitFeedback(ctx, failure(4, domain.FailureUnderExtrusion))
	if !errors.Is(err, domain.ErrUnknownProfileVersion) {
		t.Fatalf("expected unknown version, got %v", err)
	}
	var unknown *domain.UnknownProfileVersionError
	if !errors.As(err, &unknown) || unknown.Current != 1 {
		t.Fatalf("expected current version in error, got %v", err)
	}
	page, _ := svc.FeedbackPage(ctx, domain.FeedbackQuery{DeviceID: "voron"})
	if len(page.Records) != 0 {
		t.Fatalf("rejected feedback must not be stored")
	}
}

func TestSubmitFeedbackNonMutatingOutcomes(t *testing.T) {
	ctx := context.Background()
	logger := &recordingLogger{}
	svc := newTestService(t, WithLogger(logger))
	saveVersion(t, svc, domain.ParameterSet{{Name: domain.ParamFlowMultiplier, Value: 1.2}})

	cases := []struct {
		ft   domain.FailureType
		want mutation.Outcome
	}{
		{"", mutation.OutcomeMissingFailure},
		{domain.FailureBlobs, mutation.OutcomeUnmapped},
		{"spaghetti", mutation.OutcomeUnmapped},
		{domain.FailureUnderExtrusion, mutation.OutcomeAtBoundary},
	}
	for _, tc := range cases {
		out, _, err := svc.SubmitFeedback(ctx, failure(1, tc.ft))
		if err != nil {
			t.Fatalf("%q: submit: %v", tc.ft, err)
		}
		if !out.Accepted || out.MutationApplied || out.Outcome != tc.want {
			t.Fatalf("%q: expected %s, got %+v", tc.ft, tc.want, out)
		}
	}
	if !logger.has("info", "no mutation rule") {
		t.Fatalf("expected unmapped failure type to be logged")
	}
	history, _ := svc.GetProfileHistory(ctx, plaKey)
	if len(history) != 1 {
		t.Fatalf("expected history unchanged, got %d versions", len(history))
	}
	page, _ := svc.FeedbackPage(ctx, domain.FeedbackQuery{DeviceID: "voron"})
	if len(page.Records) != len(cases) {
		t.Fatalf("every submission is recorded, got %d", len(page.Records))
	}
}

func TestSubmitFeedbackValidation(t *testing.T) {
	svc := newTestService(t)
	rating := 9
	bad := []FeedbackSubmission{
		{Material: "PLA", Result: domain.OutcomeSuccess},
		{DeviceID: "voron", Material: "PLA", Result: "maybe"},
		{DeviceID: "voron", Material: "PLA", Result: domain.OutcomeSuccess, QualityRating: &rating},
		{DeviceID: "voron", Material: "PLA", Result: domain.OutcomeSuccess, ProfileVersion: -1},
	}
	for i, sub := range bad {
		if _, _, err := svc.SubmitFeedback(context.Background(), sub); !errors.Is(err, domain.ErrInvalid) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestResolveParametersAppliesCalibratedOverride(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	resolved, err := svc.ResolveParameters(ctx, plaKey, "")
	if err != nil {
		t.Fatalf("resolve seed: %v", err)
	}
	if !resolved.Seed || resolved.Version != 0 || !resolved.Parameters.Equal(domain.DefaultParameters("PLA")) {
		t.Fatalf("expected seed defaults, got %+v", resolved)
	}

	saveVersion(t, svc, nil)
	flow, pa := 1.05, 0.04
	if _, _, err := svc.SaveFilamentCalibration(ctx, domain.FilamentOverride{
		DeviceID: "voron", FilamentID: "esun-red", Material: "PLA",
		FlowMultiplier: &flow, PressureAdvance: &pa, Calibrated: true,
	}); err != nil {
		t.Fatalf("save override: %v", err)
	}
	if _, _, err := svc.SaveFilamentCalibration(ctx, domain.FilamentOverride{
		DeviceID: "voron", FilamentID: "draft", Material: "PLA", FlowMultiplier: &flow,
	}); err != nil {
		t.Fatalf("save draft override: %v", err)
	}

	resolved, err = svc.ResolveParameters(ctx, plaKey, "esun-red")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.OverrideApplied || len(resolved.Overridden) != 2 || resolved.Version != 1 {
		t.Fatalf("expected override applied, got %+v", resolved)
	}
	if value(t, resolved.Parameters, domain.ParamFlowMultiplier) != 1.05 || value(t, resolved.Parameters, domain.ParamPressureAdvance) != 0.04 {
		t.Fatalf("override values not applied: %+v", resolved.Parameters)
	}
	if value(t, resolved.Parameters, domain.ParamNozzleTemperature) != 200 {
		t.Fatalf("unset override fields must fall back to the profile")
	}

	again, _ := svc.ResolveParameters(ctx, plaKey, "esun-red")
	if again.Digest == "" || again.Digest != resolved.Digest {
		t.Fatalf("expected stable digest, got %q vs %q", again.Digest, resolved.Digest)
	}

	draft, err := svc.ResolveParameters(ctx, plaKey, "draft")
	if err != nil {
		t.Fatalf("resolve draft: %v", err)
	}
	if draft.OverrideApplied || value(t, draft.Parameters, domain.ParamFlowMultiplier) != 1.0 {
		t.Fatalf("uncalibrated override must be ignored, got %+v", draft)
	}
	missing, err := svc.ResolveParameters(ctx, plaKey, "unknown-spool")
	if err != nil || missing.OverrideApplied {
		t.Fatalf("unknown filament falls back to profile, got %+v, %v", missing, err)
	}
}

func TestResolveParametersRejectsInvalidKey(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.ResolveParameters(context.Background(), domain.NewProfileKey("", "PLA", ""), ""); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSaveProfileExpectedVersionConflict(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	saveVersion(t, svc, nil)
	stale := 0
	_, _, err := svc.SaveProfile(ctx, SaveProfileRequest{Key: plaKey, ExpectedVersion: &stale, Parameters: domain.ParameterSet{{Name: domain.ParamPrintSpeed, Value: 80}}})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, _, err = svc.SaveProfile(ctx, SaveProfileRequest{Key: plaKey, Parameters: domain.ParameterSet{{Name: domain.ParamPrintSpeed, Value: 900}}})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected out-of-range save to fail validation, got %v", err)
	}
}

func TestRollbackAppendsHistoricalParameters(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	v1 := saveVersion(t, svc, nil)
	saveVersion(t, svc, domain.ParameterSet{{Name: domain.ParamFlowMultiplier, Value: 1.1}})

	v3, _, err := svc.RollbackProfile(ctx, plaKey, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if v3.Version != 3 || v3.Reason != domain.ReasonManualRollback || *v3.DerivedFromVersion != 1 {
		t.Fatalf("unexpected rollback version %+v", v3)
	}
	if !v3.Parameters.Equal(v1.Parameters) || v3.Digest != v1.Digest {
		t.Fatalf("rollback must restore v1 parameters")
	}

	history, err := svc.GetProfileHistory(ctx, plaKey)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("rollback must append, got %d versions", len(history))
	}
	if len(history[1].Changes) != 1 || history[1].Changes[0].Name != domain.ParamFlowMultiplier {
		t.Fatalf("expected v2 diff on flow, got %+v", history[1].Changes)
	}
	undo := history[2].Changes
	v1Flow, _ := v1.Parameters.Get(domain.ParamFlowMultiplier)
	if len(undo) != 1 || undo[0].Name != domain.ParamFlowMultiplier || *undo[0].Before != 1.1 || *undo[0].After != v1Flow {
		t.Fatalf("v3 must show the flow change it undid, got %+v", undo)
	}

	if _, _, err := svc.RollbackProfile(ctx, plaKey, 7); !errors.Is(err, domain.ErrUnknownProfileVersion) {
		t.Fatalf("expected unknown version, got %v", err)
	}
	seed, _, err := svc.RollbackProfile(ctx, plaKey, 0)
	if err != nil {
		t.Fatalf("rollback to seed: %v", err)
	}
	if !seed.Parameters.Equal(domain.DefaultParameters("PLA")) {
		t.Fatalf("rollback to 0 restores defaults")
	}
}

func TestListProfiles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	saveVersion(t, svc, nil)
	if _, _, err := svc.SaveProfile(ctx, SaveProfileRequest{Key: domain.NewProfileKey("prusa", "PETG", "")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	all, err := svc.ListProfiles(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected two profiles, got %d", len(all))
	}
	voron, _ := svc.ListProfiles(ctx, "voron")
	if len(voron) != 1 || voron[0].CurrentVersion != 1 {
		t.Fatalf("unexpected voron profiles %+v", voron)
	}
}

func TestFilamentOverrideRoundTrip(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	svc := newTestService(t, WithAuditRecorder(audit))
	temp := 215.0
	in := domain.FilamentOverride{DeviceID: "voron", FilamentID: "b-spool", Material: "pla", OptimalNozzleTemp: &temp, Calibrated: true}
	for i := 0; i < 2; i++ {
		if _, _, err := svc.SaveFilamentCalibration(ctx, in); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	other := in
	other.FilamentID = "a-spool"
	if _, _, err := svc.SaveFilamentCalibration(ctx, other); err != nil {
		t.Fatalf("save other: %v", err)
	}

	got, err := svc.GetFilamentOverride(ctx, "voron", "b-spool")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Material != "PLA" || *got.OptimalNozzleTemp != 215 || !got.Calibrated {
		t.Fatalf("unexpected override %+v", got)
	}
	list, err := svc.ListFilamentOverrides(ctx, "voron")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].FilamentID != "a-spool" {
		t.Fatalf("expected two overrides sorted by id, got %+v", list)
	}

	_, err = svc.GetFilamentOverride(ctx, "voron", "missing")
	var notFound domain.ErrNotFound
	if !errors.As(err, &notFound) || notFound.Entity != domain.EntityFilamentOverride {
		t.Fatalf("expected not found, got %v", err)
	}

	hot := 400.0
	if _, _, err := svc.SaveFilamentCalibration(ctx, domain.FilamentOverride{DeviceID: "voron", FilamentID: "x", OptimalNozzleTemp: &hot}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected out-of-range override rejected, got %v", err)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.entries) != 4 {
		t.Fatalf("expected one audit entry per save, got %d", len(audit.entries))
	}
	if e := audit.entries[0]; e.Entity != domain.EntityFilamentOverride || e.Status != AuditStatusSuccess || e.EntityID != "voron/b-spool" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
	if e := audit.entries[3]; e.Status != AuditStatusError || e.Error == "" {
		t.Fatalf("expected failed save to be audited, got %+v", e)
	}
}

func TestFeedbackPagingAndHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sub := FeedbackSubmission{DeviceID: "voron", Material: "PLA", Result: domain.OutcomeSuccess, SubmittedAt: base.Add(time.Duration(i) * time.Minute)}
		if _, _, err := svc.SubmitFeedback(ctx, sub); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, _, err := svc.SubmitFeedback(ctx, FeedbackSubmission{DeviceID: "voron", Material: "PETG", Result: domain.OutcomeSuccess, SubmittedAt: base}); err != nil {
		t.Fatalf("submit petg: %v", err)
	}

	page, err := svc.FeedbackPage(ctx, domain.FeedbackQuery{DeviceID: "voron", Material: "PLA", Limit: 2})
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Records) != 2 || page.Next == nil {
		t.Fatalf("expected a full first page, got %+v", page)
	}
	if !page.Records[0].SubmittedAt.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("expected most recent first, got %v", page.Records[0].SubmittedAt)
	}

	var seen []time.Time
	for rec, err := range svc.FeedbackHistory(ctx, domain.FeedbackQuery{DeviceID: "voron", Material: "PLA", Limit: 2}) {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		seen = append(seen, rec.SubmittedAt)
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 PLA records, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if !seen[i].Before(seen[i-1]) {
			t.Fatalf("records out of order at %d", i)
		}
	}

	count := 0
	for range svc.FeedbackHistory(ctx, domain.FeedbackQuery{DeviceID: "voron", Limit: 2}) {
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Fatalf("early break not honoured")
	}
}

type stubArchiver struct {
	err   error
	calls int
}

func (a *stubArchiver) Archive(_ context.Context, g calibration.GeneratedInstructions) (artifact.Ref, error) {
	a.calls++
	if a.err != nil {
		return artifact.Ref{}, a.err
	}
	return artifact.Ref{Key: "calibration/" + string(g.Type) + "/" + g.Digest + "/" + g.Filename, Digest: g.Digest}, nil
}

func TestGenerateCalibrationUsesDeviceLimits(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "printer.cfg")
	if err := os.WriteFile(cfg, []byte("[stepper_z]\nposition_max: 40\n[extruder]\nmax_temp: 260\n"), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	registry, err := devicecfg.NewRegistry(devicecfg.Device{ID: "mini", ConfigPath: cfg, Default: true})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	archiver := &stubArchiver{}
	svc := newTestService(t, WithDeviceRegistry(registry), WithArtifactArchiver(archiver))

	out, err := svc.GenerateCalibration(context.Background(), CalibrationRequest{Type: calibration.TypeTemperature, Material: "PLA"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Limits.ZMax != 40 || out.Limits.MaxNozzleTemp != 260 {
		t.Fatalf("expected registry limits, got %+v", out.Limits)
	}
	if n := len(out.Instructions.Sections); n == 0 || n >= 7 {
		t.Fatalf("expected tower truncated to the Z envelope, got %d sections", n)
	}
	if out.Artifact == nil || archiver.calls != 1 || out.Artifact.Digest != out.Instructions.Digest {
		t.Fatalf("expected artifact to be archived, got %+v", out.Artifact)
	}

	profiles, _ := svc.ListProfiles(context.Background(), "")
	if len(profiles) != 0 {
		t.Fatalf("calibration must not write profiles")
	}
}

func TestGenerateCalibrationArchiveFailureIsLogged(t *testing.T) {
	logger := &recordingLogger{}
	svc := newTestService(t, WithLogger(logger), WithArtifactArchiver(&stubArchiver{err: errors.New("bucket gone")}))
	limits := calibration.DefaultLimits()
	out, err := svc.GenerateCalibration(context.Background(), CalibrationRequest{Type: calibration.TypeFlow, Material: "PETG", Limits: &limits})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Artifact != nil || len(out.Instructions.Content) == 0 {
		t.Fatalf("expected instructions without artifact, got %+v", out.Artifact)
	}
	if !logger.has("error", "archive calibration artifact") {
		t.Fatalf("expected archive failure to be logged")
	}
}

func TestGenerateCalibrationOutOfEnvelope(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GenerateCalibration(context.Background(), CalibrationRequest{
		Type:     calibration.TypeTemperature,
		Material: "PLA",
		Sweep:    calibration.Sweep{Start: 320, End: 350},
	})
	if !errors.Is(err, domain.ErrOutOfEnvelope) {
		t.Fatalf("expected out of envelope, got %v", err)
	}
}

func TestRegisterRuleBlocksCommit(t *testing.T) {
	svc := newTestService(t)
	if err := svc.RegisterRule(nil); err == nil {
		t.Fatalf("expected nil rule rejected")
	}
	if err := svc.RegisterRule(blockingRule{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, _, err := svc.SaveProfile(context.Background(), SaveProfileRequest{Key: plaKey})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if _, err := svc.GetProfileHistory(context.Background(), plaKey); err != nil {
		t.Fatalf("history: %v", err)
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "freeze" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "freeze", Severity: domain.SeverityBlock, Message: "frozen"}}}, nil
}

func TestServiceUsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := newTestService(t, WithClock(ClockFunc(func() time.Time { return fixed })))
	v := saveVersion(t, svc, nil)
	if !v.CreatedAt.Equal(fixed) {
		t.Fatalf("expected created_at %v, got %v", fixed, v.CreatedAt)
	}
	out, _, err := svc.SubmitFeedback(context.Background(), FeedbackSubmission{DeviceID: "voron", Material: "PLA", ProfileVersion: 1, Result: domain.OutcomeSuccess})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	page, _ := svc.FeedbackPage(context.Background(), domain.FeedbackQuery{DeviceID: "voron"})
	if page.Records[0].ID != out.FeedbackID || !page.Records[0].SubmittedAt.Equal(fixed) {
		t.Fatalf("expected submitted_at from clock, got %+v", page.Records[0])
	}
}
