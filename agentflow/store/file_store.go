package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/patternflow/agentflow"
)

// FileSessionStore is the default agentflow.SessionStore: one
// "<session_id>.json" file per session beneath a directory, written
// atomically (temp file + fsync + rename) so a crash mid-write never
// corrupts an existing session file. Grounded on the same write-temp-then-
// rename discipline as WriteArtifacts, tightened with an explicit fsync
// since a half-written checkpoint is worse than a half-written artifact.
type FileSessionStore struct {
	dir string
	// mu serializes Puts. Each Put writes its own uniquely named temp file
	// (os.CreateTemp) and renames it over the session file.
	mu sync.Mutex
}

// NewFileSessionStore creates dir if needed and returns a store rooted there.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session store directory: %w", err)
	}
	return &FileSessionStore{dir: dir}, nil
}

func (f *FileSessionStore) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".json")
}

func (f *FileSessionStore) Put(_ context.Context, s *agentflow.SessionState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.SessionID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, s.SessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path(s.SessionID)); err != nil {
		return fmt.Errorf("rename temp session file: %w", err)
	}
	return nil
}

// Get returns (nil, nil) for a session that does not exist, matching the
// other SessionStore backends' not-found convention.
func (f *FileSessionStore) Get(_ context.Context, sessionID string) (*agentflow.SessionState, error) {
	data, err := os.ReadFile(f.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var s agentflow.SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session file %s: %w", sessionID, err)
	}
	return &s, nil
}

func (f *FileSessionStore) List(ctx context.Context, filter agentflow.ListFilter) ([]*agentflow.SessionState, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read session store directory: %w", err)
	}

	var all []*agentflow.SessionState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		s, err := f.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue // removed between ReadDir and Get
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		all = append(all, s)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (f *FileSessionStore) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(f.path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

var _ agentflow.SessionStore = (*FileSessionStore)(nil)
