package engine

import (
	"context"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/compresr/context-engine/internal/codec"
	"github.com/compresr/context-engine/internal/config"
	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/monitoring"
	"github.com/compresr/context-engine/internal/store/archive"
	"github.com/compresr/context-engine/internal/store/backend"
	"github.com/compresr/context-engine/internal/store/indexed"
	"github.com/compresr/context-engine/internal/store/memory"
)

// Build constructs the three storage backends from cfg and wires them
// into a ready-to-use Engine. Callers own the returned Engine's
// lifecycle: call Initialize before use and Shutdown when done.
func Build(ctx context.Context, cfg *config.Config, logger *monitoring.Logger) (*Engine, error) {
	memBackend := memory.New(memory.Config{
		MaxSizeBytes:   cfg.Memory.MaxSizeBytes,
		EvictionPolicy: memory.EvictionPolicy(strings.ToLower(cfg.Memory.EvictionPolicy)),
		DefaultTTL:     cfg.Memory.DefaultTTL,
	})

	indexedBackend, err := indexed.Open(ctx, indexed.Config{
		DatabasePath:          cfg.Indexed.DatabasePath,
		FullTextSearchEnabled: cfg.Indexed.FullTextSearchEnabled,
	}, logger)
	if err != nil {
		return nil, err
	}

	archiveBackend, err := archive.New(archive.Config{
		BasePath:         cfg.Archive.BasePath,
		DefaultAlgorithm: codec.Algorithm(cfg.Archive.DefaultAlgorithm),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Archive.S3BackupEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, engineerr.New(op+".build", engineerr.InitFailed, err)
		}
		backup := archive.NewS3Backup(s3.NewFromConfig(awsCfg), cfg.Archive.BasePath, archive.S3BackupConfig{
			Bucket: cfg.Archive.S3BackupBucket,
			Prefix: cfg.Archive.S3BackupPrefix,
		}, logger)
		archiveBackend.AttachS3Backup(ctx, backup)
	}

	backends := map[contextmodel.Service]backend.Backend{
		contextmodel.ServiceMemory:  memBackend,
		contextmodel.ServiceIndexed: indexedBackend,
		contextmodel.ServiceArchive: archiveBackend,
	}

	eng := New(Config{
		DefaultService:      contextmodel.Service(cfg.Engine.DefaultStorageService),
		FallbackEnabled:     cfg.Engine.FallbackEnabled,
		ReplicationEnabled:  cfg.Engine.ReplicationEnabled,
		OperationTimeout:    cfg.Engine.Timeout,
		HealthCheckInterval: cfg.Engine.HealthCheckInterval,
		HealthCheckEnabled:  cfg.Engine.HealthCheckEnabled,
	}, backends, logger)

	return eng, nil
}
