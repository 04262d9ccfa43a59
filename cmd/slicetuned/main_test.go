package main

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"slicetune/internal/blob"
	"slicetune/internal/config"
	"slicetune/internal/core"
	"slicetune/internal/logging"
	"slicetune/pkg/domain"
)

func TestDaemonWiresMemoryStack(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage = core.StorageConfig{Driver: core.StorageMemory}
	cfg.Blob = blob.Config{Driver: blob.DriverMemory}
	cfg.Artifacts.Enabled = true
	cfg.Tracing.Exporter = "json"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	obs, logs := observer.New(zapcore.DebugLevel)
	d, err := newDaemon(ctx, cfg, logging.NewWithCore(obs))
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { d.close(ctx) })

	key := domain.NewProfileKey("voron", "PLA", "")
	if _, _, err := d.svc.SaveProfile(ctx, core.SaveProfileRequest{Key: key}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := d.svc.GenerateCalibration(ctx, core.CalibrationRequest{Type: "flow", Material: "PLA"})
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	if res.Artifact == nil {
		t.Fatalf("expected artifact archived to the memory blob store")
	}

	if logs.FilterMessage("audit").Len() != 1 {
		t.Fatalf("expected the save to be audited, got %d entries", logs.FilterMessage("audit").Len())
	}
	families, err := d.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "slicetune_service_operation_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected service metrics registered")
	}
}

func TestDaemonRejectsBadMutationTable(t *testing.T) {
	cfg := config.Default()
	cfg.Storage = core.StorageConfig{Driver: core.StorageMemory}
	cfg.Mutation.TablePath = "/nonexistent/rules.yaml"
	if _, err := newDaemon(context.Background(), cfg, logging.Nop()); err == nil {
		t.Fatalf("expected missing table to fail startup")
	}
}
