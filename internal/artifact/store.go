// Package artifact stages rendered documents as short-lived files for the
// print command.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
)

const (
	filePrefix        = "output_"
	fileExt           = ".pdf"
	minSuffixLength   = 7
	maxSuffixLength   = 32
	maxCreateAttempts = 5
)

var ErrWriteFailed = errors.New("failed to write artifact")

type Config struct {
	Dir          string
	SuffixLength int
	// StaleAfter is the minimum age of a leftover file before Sweep removes
	// it. Zero removes every leftover file.
	StaleAfter time.Duration
	Logger     *zap.Logger
}

// Store owns the files it creates from creation until release; nothing else
// writes to its directory.
type Store struct {
	dir        string
	suffixLen  int
	staleAfter time.Duration
	logger     *zap.Logger
	newSuffix  func() string
	now        func() time.Time
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "printd")
	}
	if cfg.SuffixLength < minSuffixLength {
		cfg.SuffixLength = minSuffixLength
	}
	if cfg.SuffixLength > maxSuffixLength {
		cfg.SuffixLength = maxSuffixLength
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	s := &Store{
		dir:        cfg.Dir,
		suffixLen:  cfg.SuffixLength,
		staleAfter: cfg.StaleAfter,
		logger:     logger.OrNop(cfg.Logger).Named("artifact"),
		now:        time.Now,
	}
	s.newSuffix = s.randomSuffix
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// randomSuffix takes hex digits of a random UUID, so concurrent callers never
// need to coordinate.
func (s *Store) randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:s.suffixLen]
}

// WithTemporaryFile writes data to a fresh file, calls fn with its path and
// removes the file once fn returns or panics. fn is not called when the write
// fails; the error then wraps ErrWriteFailed. A failed removal is logged and
// does not change the returned error.
func (s *Store) WithTemporaryFile(data []byte, fn func(path string) error) error {
	path, err := s.create(data)
	if err != nil {
		return err
	}
	defer s.release(path)

	return fn(path)
}

func (s *Store) create(data []byte) (string, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		path := filepath.Join(s.dir, filePrefix+s.newSuffix()+fileExt)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			s.logger.Debug("artifact name collision, retrying", zap.String("path", path))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			s.remove(path)
			return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		if err := f.Close(); err != nil {
			s.remove(path)
			return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}

		s.logger.Debug("artifact staged", zap.String("path", path), zap.Int("bytes", len(data)))
		return path, nil
	}

	return "", fmt.Errorf("%w: no unique name after %d attempts", ErrWriteFailed, maxCreateAttempts)
}

func (s *Store) release(path string) {
	if s.remove(path) {
		s.logger.Debug("artifact released", zap.String("path", path))
	}
}

func (s *Store) remove(path string) bool {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to delete artifact", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// Sweep deletes artifacts left behind by a process that died while holding
// them. It is meant to run at startup, before any job is accepted.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	cutoff := s.now().Add(-s.staleAfter)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.staleAfter > 0 && info.ModTime().After(cutoff) {
			continue
		}
		if s.remove(filepath.Join(s.dir, name)) {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("removed stale artifacts", zap.Int("count", removed))
	}
	return removed, nil
}
