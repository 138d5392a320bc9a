package tokibot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var errNotObject = errors.New("document root is not a JSON object")

// Store reads and writes JSON documents. Every path has its own lock,
// held for the whole of a Load, Save or Update on that path, so a
// read-modify-write through Update is atomic with respect to any other
// access to the same document. There are no cross-document transactions.
type Store struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger *slog.Logger
}

// NewStore returns a Store with an empty lock registry. A nil logger
// uses slog.Default().
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		locks:  map[string]*sync.Mutex{},
		logger: logger,
	}
}

// lock returns the mutex for the given path, creating it if needed.
func (s *Store) lock(path string) *sync.Mutex {
	key := filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Load returns the document at path. If the file doesn't exist, it's
// created from newDefault first. A document that can't be parsed, or
// whose root isn't an object, is logged and replaced by a fresh default
// in the returned value (the file itself is left alone until the next
// save). Load never fails: read errors also degrade to the default.
func Load[T any](s *Store, path string, newDefault func() T) T {
	m := s.lock(path)
	m.Lock()
	defer m.Unlock()

	doc, err := loadLocked(s, path, newDefault)
	if err != nil {
		s.logger.Warn(
			"unable to read document, using default",
			"path", path,
			tint.Err(err),
		)
		return newDefault()
	}
	return doc
}

// Save writes doc to path, via a temporary sibling file that is renamed
// over the target. It returns false (and logs) if the document couldn't
// be written. The previous contents are intact in that case.
func Save[T any](s *Store, path string, doc T) bool {
	m := s.lock(path)
	m.Lock()
	defer m.Unlock()

	if err := saveLocked(s, path, doc); err != nil {
		s.logger.Warn("unable to save document", "path", path, tint.Err(err))
		return false
	}
	return true
}

// Update loads the document at path, calls fn with it, and saves the
// result if fn reports a change, all while holding the path's lock.
// An error from fn is returned as-is and nothing is written. A failed
// read (other than a missing or unparseable file) or a failed write is
// returned as an ErrPersistence error.
func Update[T any](
	s *Store,
	path string,
	newDefault func() T,
	fn func(doc *T) (changed bool, err error),
) error {
	m := s.lock(path)
	m.Lock()
	defer m.Unlock()

	doc, err := loadLocked(s, path, newDefault)
	if err != nil {
		s.logger.Warn("unable to read document", "path", path, tint.Err(err))
		return persistenceError(path, err)
	}

	changed, err := fn(&doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err = saveLocked(s, path, doc); err != nil {
		s.logger.Warn("unable to save document", "path", path, tint.Err(err))
		return persistenceError(path, err)
	}
	return nil
}

// loadLocked reads path into a new T. The caller must hold the path's lock.
// A missing file is created from the default. Unparseable content returns
// the default with a nil error, so only I/O errors are returned.
func loadLocked[T any](s *Store, path string, newDefault func() T) (T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		doc := newDefault()
		if err = saveLocked(s, path, doc); err != nil {
			s.logger.Warn(
				"unable to create document",
				"path", path,
				tint.Err(err),
			)
		} else {
			s.logger.Info("created document", "path", path)
		}
		return doc, nil
	}
	if err != nil {
		var zero T
		return zero, err
	}

	doc := newDefault()
	if err = decodeDocument(data, &doc); err != nil {
		metricStoreCorruptLoads.WithLabelValues(filepath.Base(path)).Inc()
		s.logger.Warn(
			"invalid document, using default",
			"path", path,
			tint.Err(err),
		)
		return newDefault(), nil
	}
	s.logger.Debug("loaded document", "path", path, "bytes", len(data))
	return doc, nil
}

// decodeDocument unmarshals data into out, requiring an object at the root.
func decodeDocument(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errNotObject
	}
	return json.Unmarshal(trimmed, out)
}

// saveLocked writes doc to path atomically. The caller must hold the
// path's lock.
func saveLocked[T any](s *Store, path string, doc T) (err error) {
	name := filepath.Base(path)
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metricStoreSaves.WithLabelValues(name, result).Inc()
	}()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", name, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	s.logger.Debug("saved document", "path", path, "bytes", len(data))
	return nil
}

// initDocument writes a fresh default document to path unless a file
// is already there. It reports whether the file was created.
func initDocument[T any](s *Store, path string, newDefault func() T) (bool, error) {
	m := s.lock(path)
	m.Lock()
	defer m.Unlock()

	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, persistenceError(path, err)
	}
	if err = saveLocked(s, path, newDefault()); err != nil {
		return false, persistenceError(path, err)
	}
	return true, nil
}

// InitDataDir creates dataDir and every document the bot keeps in it.
// Existing documents are left untouched. The names of the documents
// that were created are returned.
func InitDataDir(s *Store, dataDir string) ([]string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, persistenceError(dataDir, err)
	}

	inits := []struct {
		name string
		init func(path string) (bool, error)
	}{
		{SanctionsFile, func(p string) (bool, error) { return initDocument(s, p, newSanctionsDocument) }},
		{ConfessionsFile, func(p string) (bool, error) { return initDocument(s, p, newConfessionsDocument) }},
		{ConfessionBansFile, func(p string) (bool, error) { return initDocument(s, p, newConfessionBansDocument) }},
		{ConfessionConfigFile, func(p string) (bool, error) { return initDocument(s, p, newRateLimitDocument) }},
		{ConfessionReportsFile, func(p string) (bool, error) { return initDocument(s, p, newReportsDocument) }},
		{ConfessionActionsFile, func(p string) (bool, error) { return initDocument(s, p, newJournalDocument) }},
		{WelcomeConfigFile, func(p string) (bool, error) { return initDocument(s, p, newWelcomeDocument) }},
	}

	var created []string
	for _, doc := range inits {
		ok, err := doc.init(filepath.Join(dataDir, doc.name))
		if err != nil {
			return created, err
		}
		if ok {
			s.logger.Info("created document", "name", doc.name)
			created = append(created, doc.name)
		}
	}
	return created, nil
}
