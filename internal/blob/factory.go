package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// ConfigFromEnv reads backend settings from the environment.
//
//	SLICETUNE_BLOB_DRIVER: fs|s3|memory (default fs)
//	SLICETUNE_BLOB_FS_ROOT: directory when driver=fs (default ./artifacts)
//	SLICETUNE_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE
//	SLICETUNE_BLOB_S3_ACCESS_KEY_ID, _SECRET_ACCESS_KEY (optional static credentials)
func ConfigFromEnv() Config {
	cfg := Config{
		Driver: Driver(os.Getenv("SLICETUNE_BLOB_DRIVER")),
		FSRoot: os.Getenv("SLICETUNE_BLOB_FS_ROOT"),
	}
	cfg.S3.Bucket = os.Getenv("SLICETUNE_BLOB_S3_BUCKET")
	cfg.S3.Region = os.Getenv("SLICETUNE_BLOB_S3_REGION")
	cfg.S3.Endpoint = os.Getenv("SLICETUNE_BLOB_S3_ENDPOINT")
	cfg.S3.PathStyle = strings.EqualFold(os.Getenv("SLICETUNE_BLOB_S3_PATH_STYLE"), "true")
	cfg.S3.AccessKeyID = os.Getenv("SLICETUNE_BLOB_S3_ACCESS_KEY_ID")
	cfg.S3.SecretAccessKey = os.Getenv("SLICETUNE_BLOB_S3_SECRET_ACCESS_KEY")
	return cfg
}

// Open constructs the configured backend. An empty driver selects fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
