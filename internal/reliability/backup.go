// Package reliability handles database backups: a WAL checkpoint, a
// tar.gz archive with a sha256 manifest, upload to S3-compatible storage
// and retention pruning.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"moves/internal/config"
	"moves/internal/database"
)

const backupPrefix = "backups/"

// BackupManager produces, uploads and prunes database backups.
type BackupManager struct {
	cfg      config.BackupConfig
	db       *database.DB
	s3       *s3.Client
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewBackupManager creates a backup manager. Returns an error when the
// bucket is configured but credentials are unusable.
func NewBackupManager(ctx context.Context, cfg config.BackupConfig, db *database.DB, log zerolog.Logger) (*BackupManager, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &BackupManager{
		cfg:      cfg,
		db:       db,
		s3:       client,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

// Run produces one backup: checkpoint the WAL, archive the database file
// with its checksum, upload, then prune old backups past the retention
// count.
func (b *BackupManager) Run(ctx context.Context) error {
	if err := b.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}

	archivePath, err := b.archive()
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	key := backupPrefix + filepath.Base(archivePath)
	if err := b.upload(ctx, archivePath, key); err != nil {
		return err
	}
	b.log.Info().Str("key", key).Msg("backup uploaded")

	return b.prune(ctx)
}

// archive writes <db>-<timestamp>.tar.gz next to the database, containing
// the database file and a sha256 manifest.
func (b *BackupManager) archive() (string, error) {
	dbPath := b.db.Path()
	stamp := time.Now().UTC().Format("20060102-150405")
	archivePath := filepath.Join(filepath.Dir(dbPath),
		fmt.Sprintf("%s-%s.tar.gz", b.db.Name(), stamp))

	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create backup archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	sum, err := b.addFile(tw, dbPath)
	if err != nil {
		return "", err
	}

	manifest := fmt.Sprintf("%s  %s\n", sum, filepath.Base(dbPath))
	if err := tw.WriteHeader(&tar.Header{
		Name:    "SHA256SUMS",
		Mode:    0644,
		Size:    int64(len(manifest)),
		ModTime: time.Now(),
	}); err != nil {
		return "", fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tw.Write([]byte(manifest)); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	return archivePath, nil
}

// addFile streams one file into the archive and returns its sha256.
func (b *BackupManager) addFile(tw *tar.Writer, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for backup: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    filepath.Base(path),
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return "", fmt.Errorf("failed to write archive header: %w", err)
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, hash), f); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (b *BackupManager) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive for upload: %w", err)
	}
	defer f.Close()

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}
	return nil
}

// prune deletes the oldest remote backups beyond the retention count.
// Backup names embed a UTC timestamp so lexicographic order is age order.
func (b *BackupManager) prune(ctx context.Context) error {
	out, err := b.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(backupPrefix + b.db.Name()),
	})
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil && strings.HasSuffix(*obj.Key, ".tar.gz") {
			keys = append(keys, *obj.Key)
		}
	}
	if len(keys) <= b.cfg.Keep {
		return nil
	}
	sort.Strings(keys)

	for _, key := range keys[:len(keys)-b.cfg.Keep] {
		if _, err := b.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("failed to prune backup %s: %w", key, err)
		}
		b.log.Debug().Str("key", key).Msg("pruned old backup")
	}
	return nil
}
