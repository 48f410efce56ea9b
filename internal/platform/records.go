package platform

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"printcast/pkg/models"
)

// RecordStore persists broadcast records as a JSON array on disk, one record
// per context key. Writes are atomic (temp file + rename) so a reader never
// observes partial JSON. Persistence is best effort: load failures yield an
// empty store, write failures are logged and ignored.
type RecordStore struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	records []models.BroadcastRecord
}

func NewRecordStore(path string, log *zap.Logger) *RecordStore {
	s := &RecordStore{
		path: path,
		log:  log.Named("records"),
	}
	s.load()
	return s
}

func (s *RecordStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read broadcast records", zap.Error(err))
		}
		return
	}

	var records []models.BroadcastRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// Corrupt file; start over rather than fail startup.
		s.log.Warn("ignoring unparseable broadcast records", zap.Error(err))
		return
	}
	s.records = records
}

// Get returns the record stored for the given context key.
func (s *RecordStore) Get(contextKey string) (models.BroadcastRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Context == contextKey {
			return r, true
		}
	}
	return models.BroadcastRecord{}, false
}

// Put stores a record, replacing any previous record for the same context,
// and rewrites the file atomically.
func (s *RecordStore) Put(rec models.BroadcastRecord) {
	s.mu.Lock()
	replaced := false
	for i, r := range s.records {
		if r.Context == rec.Context {
			s.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.records = append(s.records, rec)
	}
	snapshot := make([]models.BroadcastRecord, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	if err := s.write(snapshot); err != nil {
		s.log.Warn("failed to persist broadcast records", zap.Error(err))
	}
}

// Remove drops the record for a context key, if present.
func (s *RecordStore) Remove(contextKey string) {
	s.mu.Lock()
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Context != contextKey {
			kept = append(kept, r)
		}
	}
	s.records = kept
	snapshot := make([]models.BroadcastRecord, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	if err := s.write(snapshot); err != nil {
		s.log.Warn("failed to persist broadcast records", zap.Error(err))
	}
}

func (s *RecordStore) write(records []models.BroadcastRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
