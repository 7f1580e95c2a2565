package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"optionflow/logger"
)

// FileStore persists the table as a CSV file. Every mutation rewrites the
// file through a temp file and rename, so readers see either the old or the
// new content of each step.
type FileStore struct {
	path string
	mu   sync.Mutex
	log  *logger.Log
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, log: logger.GetLogger()}
}

func (s *FileStore) ReadAll(context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(nil)
}

func (s *FileStore) WriteHeader(ctx context.Context, header []string) error {
	return s.WriteRows(ctx, HeaderRow, [][]string{header})
}

func (s *FileStore) WriteRows(_ context.Context, start int, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}
	t := table{rows: current}
	if err := t.setRows(start, rows); err != nil {
		return err
	}
	return s.save(t.rows)
}

func (s *FileStore) load() ([][]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return decodeTable(bytes.NewReader(data))
}

func (s *FileStore) save(rows [][]string) error {
	data, err := encodeTable(rows)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	s.log.WithComponent("file_store").WithFields(logger.Fields{
		"path": s.path,
		"rows": len(rows),
	}).Debug("table file written")
	return nil
}
