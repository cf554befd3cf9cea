// Package fsstore implements the durable dispatch store: one self-contained
// JSON file per dispatch under <taskDir>/dispatches/ carrying the envelope
// and the full event sequence, plus index maintenance on the owning task
// manifest. Writes are serialized per dispatch file; manifest updates go
// through the per-task lock in the projects store.
package fsstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/collabot/collabot/internal/common/logger"
	"github.com/collabot/collabot/internal/dispatch"
	"github.com/collabot/collabot/internal/projects"
)

const dispatchesDirName = "dispatches"

// ErrDispatchNotFound is returned when a dispatch file does not exist or
// cannot be read.
var ErrDispatchNotFound = errors.New("dispatch not found")

// DispatchFile is the on-disk document: the envelope fields inline plus the
// ordered event sequence.
type DispatchFile struct {
	dispatch.Envelope
	Events []dispatch.Event `json:"events"`
}

// Store reads and writes dispatch files.
type Store struct {
	projects *projects.Store
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a dispatch store. Task manifest index updates are
// delegated to the projects store so they share its per-task serialization.
func NewStore(ps *projects.Store, log *logger.Logger) *Store {
	return &Store{
		projects: ps,
		logger:   log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// DispatchPath returns the file path for a dispatch id.
func DispatchPath(taskDir, id string) string {
	return filepath.Join(taskDir, dispatchesDirName, id+".json")
}

// CreateDispatch writes a new dispatch file and appends its index entry to
// the task manifest. The index entry is durable before the first event.
func (s *Store) CreateDispatch(taskDir string, env *dispatch.Envelope) error {
	path := DispatchPath(taskDir, env.DispatchID)
	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dispatches dir: %w", err)
	}
	doc := &DispatchFile{Envelope: *env, Events: []dispatch.Event{}}
	if err := writeDispatchFile(path, doc); err != nil {
		return err
	}

	return s.projects.UpdateTaskManifest(taskDir, func(task *projects.Task) error {
		entry := dispatch.IndexEntryFromEnvelope(env)
		for i := range task.Dispatches {
			if task.Dispatches[i].DispatchID == env.DispatchID {
				task.Dispatches[i] = entry
				return nil
			}
		}
		task.Dispatches = append(task.Dispatches, entry)
		return nil
	})
}

// UpdateDispatch applies patch to the envelope portion of a dispatch file
// and refreshes the matching index entry. Index entries never regress from
// a terminal status back to running.
func (s *Store) UpdateDispatch(taskDir, id string, patch func(*dispatch.Envelope)) error {
	path := DispatchPath(taskDir, id)
	lock := s.fileLock(path)
	lock.Lock()

	doc, err := readDispatchFile(path)
	if err != nil {
		lock.Unlock()
		return err
	}
	patch(&doc.Envelope)
	env := doc.Envelope
	err = writeDispatchFile(path, doc)
	lock.Unlock()
	if err != nil {
		return err
	}

	return s.projects.UpdateTaskManifest(taskDir, func(task *projects.Task) error {
		for i := range task.Dispatches {
			if task.Dispatches[i].DispatchID != id {
				continue
			}
			if task.Dispatches[i].Status.Terminal() && !env.Status.Terminal() {
				return nil
			}
			task.Dispatches[i] = dispatch.IndexEntryFromEnvelope(&env)
			return nil
		}
		task.Dispatches = append(task.Dispatches, dispatch.IndexEntryFromEnvelope(&env))
		return nil
	})
}

// AppendEvent appends one event to a dispatch file. Timestamps are clamped
// so the stored sequence is non-decreasing even if the caller's clock
// stepped backwards.
func (s *Store) AppendEvent(taskDir, id string, event dispatch.Event) error {
	path := DispatchPath(taskDir, id)
	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	doc, err := readDispatchFile(path)
	if err != nil {
		return err
	}
	if n := len(doc.Events); n > 0 && event.Timestamp.Before(doc.Events[n-1].Timestamp) {
		event.Timestamp = doc.Events[n-1].Timestamp
	}
	doc.Events = append(doc.Events, event)
	return writeDispatchFile(path, doc)
}

// GetDispatchEnvelopes returns all envelopes for a task in chronological
// order. Corrupt files are skipped with a warning.
func (s *Store) GetDispatchEnvelopes(taskDir string) ([]*dispatch.Envelope, error) {
	dir := filepath.Join(taskDir, dispatchesDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dispatches dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Dispatch ids are time-sortable, so filename order is dispatch order.
	sort.Strings(names)

	result := make([]*dispatch.Envelope, 0, len(names))
	for _, name := range names {
		doc, err := readDispatchFile(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable dispatch file",
				zap.String("file", name), zap.Error(err))
			continue
		}
		env := doc.Envelope
		result = append(result, &env)
	}
	return result, nil
}

// GetDispatchEnvelope returns a single envelope.
func (s *Store) GetDispatchEnvelope(taskDir, id string) (*dispatch.Envelope, error) {
	doc, err := readDispatchFile(DispatchPath(taskDir, id))
	if err != nil {
		return nil, err
	}
	env := doc.Envelope
	return &env, nil
}

// GetDispatchEvents returns the full event sequence for a dispatch. Missing
// or corrupt files yield an empty sequence, not an error.
func (s *Store) GetDispatchEvents(taskDir, id string) ([]dispatch.Event, error) {
	doc, err := readDispatchFile(DispatchPath(taskDir, id))
	if err != nil {
		if errors.Is(err, ErrDispatchNotFound) {
			return []dispatch.Event{}, nil
		}
		return nil, err
	}
	return doc.Events, nil
}

// GetRecentEvents returns the last n events by arrival order.
func (s *Store) GetRecentEvents(taskDir, id string, n int) ([]dispatch.Event, error) {
	events, err := s.GetDispatchEvents(taskDir, id)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(events) {
		return events, nil
	}
	return events[len(events)-n:], nil
}

func (s *Store) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

func readDispatchFile(path string) (*DispatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDispatchNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to read dispatch file: %w", err)
	}
	var doc DispatchFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: corrupt file %s: %v", ErrDispatchNotFound, filepath.Base(path), err)
	}
	if doc.Events == nil {
		doc.Events = []dispatch.Event{}
	}
	return &doc, nil
}

func writeDispatchFile(path string, doc *DispatchFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dispatch file: %w", err)
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write dispatch file: %w", err)
	}
	return nil
}

// WriteFileAtomic writes via a temp file and rename so readers never see a
// partial document.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
