package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultStagingTTL           = 30 * time.Minute
	DefaultStagingSweepInterval = 10 * time.Minute
)

// StagedImage is an uploaded image copied to local disk for the lifetime of a
// single pipeline run.
type StagedImage struct {
	Key      string
	Filename string
	MIMEType string
	Size     int64
	Path     string

	dir string
}

// Bytes reads the staged payload.
func (s *StagedImage) Bytes() ([]byte, error) {
	return os.ReadFile(s.Path)
}

// Open opens the staged payload for reading.
func (s *StagedImage) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// Release removes the staged copy. It is safe to call more than once.
func (s *StagedImage) Release() error {
	if s == nil || s.dir == "" {
		return nil
	}
	dir := s.dir
	s.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove staged image %s: %w", dir, err)
	}
	return nil
}

// Stager owns the scratch directory uploads are staged into. Each staged image
// gets its own uuid-named subdirectory.
type Stager struct {
	dir string
}

func NewStager(dir string) (*Stager, error) {
	if dir == "" {
		return nil, errors.New("staging dir must be provided")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Stager{dir: dir}, nil
}

func (s *Stager) Dir() string { return s.dir }

// Stage copies src into a fresh staging location.
func (s *Stager) Stage(src io.Reader, filename, mimeType string) (*StagedImage, error) {
	key := uuid.NewString()
	dir := filepath.Join(s.dir, key)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging entry: %w", err)
	}
	img := &StagedImage{
		Key:      key,
		Filename: filepath.Base(filename),
		MIMEType: mimeType,
		Path:     filepath.Join(dir, "upload"+stagedExt(filename, mimeType)),
		dir:      dir,
	}

	dst, err := os.OpenFile(img.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		img.Release()
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		img.Release()
		return nil, fmt.Errorf("write staged file: %w", errors.Join(copyErr, closeErr))
	}
	img.Size = n
	return img, nil
}

func stagedExt(filename, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && len(ext) <= 6 && !strings.ContainsAny(ext, `/\`) {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// Sweep removes staging entries older than ttl. Live runs release their own
// entries, so anything this old was left behind by a crashed process.
func (s *Stager) Sweep(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	var errs []error
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *Stager) StartSweeper(ctx context.Context, interval, ttl time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = DefaultStagingSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	go s.sweepLoop(ctx, interval, ttl, logger)
}

func (s *Stager) sweepLoop(ctx context.Context, interval, ttl time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ttl)
			if err != nil {
				logger.Warn("sweep staging dir", zap.Error(err))
			}
			if n > 0 {
				logger.Info("removed stale staged images", zap.Int("count", n))
			}
		}
	}
}
