// Package stepstore keeps the verified media of each task step on disk,
// keyed by its 1-based index.
package stepstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/netsys-lab/edge-trace-client/sutils"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	STEP_PREFIX = "step_"
	STEP_SUFFIX = ".trace"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrStepNotFound     = errors.New("step not found")
	ErrInvalidIndex     = errors.New("invalid step index")
)

type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a store rooted at dir on fs. The directory is created if
// needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create step directory %s: %w", dir, err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewOnDisk returns a store backed by the OS filesystem
func NewOnDisk(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

func Filename(index int) string {
	return fmt.Sprintf("%s%d%s", STEP_PREFIX, index, STEP_SUFFIX)
}

func (s *Store) path(index int) string {
	return filepath.Join(s.dir, Filename(index))
}

// Check reports whether a local copy of step index exists and matches
// checksum
func (s *Store) Check(index int, checksum string) bool {
	filename := Filename(index)
	log.Debugf("[StepStore] Checking if %s already exists locally...", filename)

	data, err := afero.ReadFile(s.fs, s.path(index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Infof("[StepStore] %s was not found locally", filename)
		} else {
			log.Warnf("[StepStore] Error trying to read %s: %v", filename, err)
		}
		return false
	}

	if !sutils.ChecksumMatches(data, checksum) {
		log.Warnf("[StepStore] %s found but checksums do not match. Remote: %s\tLocal: %s",
			filename, checksum, sutils.MD5Hex(data))
		return false
	}

	log.Infof("[StepStore] %s found locally", filename)
	return true
}

// Save verifies data against checksum and persists it. On mismatch the
// previous copy, if any, is left untouched.
func (s *Store) Save(index int, data []byte, checksum string) error {
	if index < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if !sutils.ChecksumMatches(data, checksum) {
		return fmt.Errorf("%w for step %d: expected %s, got %s",
			ErrChecksumMismatch, index, checksum, sutils.MD5Hex(data))
	}

	tmp, err := afero.TempFile(s.fs, s.dir, Filename(index)+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, s.path(index)); err != nil {
		s.fs.Remove(tmpName)
		return err
	}

	log.Infof("[StepStore] Saved %s (%d bytes)", Filename(index), len(data))
	return nil
}

// Open returns a reader over the content of step index
func (s *Store) Open(index int) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStepNotFound, Filename(index))
		}
		return nil, err
	}
	return f, nil
}
