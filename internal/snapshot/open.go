package snapshot

import (
	"context"
	"fmt"
)

// Backend names.
const (
	BackendLocal = "local"
	BackendMinio = "minio"
	BackendS3    = "s3"
)

// BackendConfig selects and addresses a snapshot store.
type BackendConfig struct {
	Kind      string
	Dir       string
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Open creates the store described by cfg.
func Open(ctx context.Context, cfg BackendConfig) (Store, error) {
	switch cfg.Kind {
	case BackendLocal, "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("local snapshot backend needs a directory")
		}
		return NewLocalStore(cfg.Dir)
	case BackendMinio:
		return DialMinio(MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			Secure:    cfg.Secure,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
		})
	case BackendS3:
		return DialS3(ctx, S3Config{
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
		})
	}
	return nil, fmt.Errorf("unknown snapshot backend %q (want local, minio or s3)", cfg.Kind)
}
