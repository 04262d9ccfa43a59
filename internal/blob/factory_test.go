package blob

import (
	"context"
	"strings"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected fs default, got %s", fsStore.Driver())
	}
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil || !strings.Contains(err.Error(), "unknown blob driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SLICETUNE_BLOB_DRIVER", "s3")
	t.Setenv("SLICETUNE_BLOB_S3_BUCKET", "prints")
	t.Setenv("SLICETUNE_BLOB_S3_PATH_STYLE", "TRUE")
	t.Setenv("SLICETUNE_BLOB_S3_ACCESS_KEY_ID", "AKIA")
	cfg := ConfigFromEnv()
	if cfg.Driver != DriverS3 || cfg.S3.Bucket != "prints" || !cfg.S3.PathStyle || cfg.S3.AccessKeyID != "AKIA" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
