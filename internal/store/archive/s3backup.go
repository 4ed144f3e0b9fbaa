package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/compresr/context-engine/internal/monitoring"
)

// S3BackupConfig configures the optional archive-to-S3 uploader.
type S3BackupConfig struct {
	Bucket   string
	Prefix   string
	Interval time.Duration
}

// S3Backup periodically uploads archives/* objects to a configured
// bucket. Upload failures are logged and counted, never propagated -
// the same fire-and-forget posture replication uses, since a backup
// miss must never block or fail a storage operation.
type S3Backup struct {
	cfg      S3BackupConfig
	basePath string
	uploader *manager.Uploader
	logger   *monitoring.Logger

	uploaded atomic.Int64
	failed   atomic.Int64

	stopCh chan struct{}
}

// NewS3Backup builds an uploader against client. Call Start to begin the
// periodic sweep and Stop to end it.
func NewS3Backup(client *s3.Client, basePath string, cfg S3BackupConfig, logger *monitoring.Logger) *S3Backup {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &S3Backup{
		cfg:      cfg,
		basePath: basePath,
		uploader: manager.NewUploader(client),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the upload sweep on cfg.Interval until Stop is called.
func (s *S3Backup) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sweep(ctx)
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *S3Backup) Stop() { close(s.stopCh) }

func (s *S3Backup) Stats() (uploaded, failed int64) {
	return s.uploaded.Load(), s.failed.Load()
}

func (s *S3Backup) sweep(ctx context.Context) {
	archivesDir := filepath.Join(s.basePath, "archives")
	entries, err := os.ReadDir(archivesDir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("s3 backup: failed to list archives directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := s.uploadOne(ctx, filepath.Join(archivesDir, entry.Name()), entry.Name()); err != nil {
			s.failed.Add(1)
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("s3 backup: upload failed")
			continue
		}
		s.uploaded.Add(1)
	}
}

func (s *S3Backup) uploadOne(ctx context.Context, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := name
	if s.cfg.Prefix != "" {
		key = s.cfg.Prefix + "/" + name
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}
