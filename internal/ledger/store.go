// Package ledger owns the durable local inventory: a single versioned JSON
// document keyed by resource ID, written with an atomic-replace discipline so
// readers always see either the old or the new complete version.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/edvin/agentvm/internal/model"
)

const documentVersion = 1

// Document is the persisted ledger layout.
type Document struct {
	Version   int                             `json:"version"`
	UpdatedAt time.Time                       `json:"updated_at"`
	Records   map[string]model.ResourceRecord `json:"records"`
}

// Store is the single shared mutable resource in the system. All mutating
// operations run under the exclusive lock via Update; read-only queries take
// the shared lock via Snapshot/Get.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  Document
	now  func() time.Time
}

// Open loads the ledger document from path, initializing an empty document
// if none exists yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		now:  time.Now,
		doc: Document{
			Version: documentVersion,
			Records: make(map[string]model.ResourceRecord),
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("ledger %s: unsupported version %d", path, doc.Version)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]model.ResourceRecord)
	}
	s.doc = doc
	return s, nil
}

// Snapshot returns a copy of all records, sorted by creation time then ID.
func (s *Store) Snapshot() []model.ResourceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]model.ResourceRecord, 0, len(s.doc.Records))
	for _, r := range s.doc.Records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (model.ResourceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.doc.Records[id]
	return r, ok
}

// ActiveCount counts records still holding a concurrency slot for the given
// signing identity.
func (s *Store) ActiveCount(identity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.doc.Records {
		if r.SigningAddress == identity && model.IsBurning(r.State) {
			n++
		}
	}
	return n
}

// Update runs fn against a working copy of the document under the exclusive
// lock and commits it with an atomic replace. If fn returns an error nothing
// is written and the in-memory document is unchanged.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := Document{
		Version:   documentVersion,
		UpdatedAt: s.now().UTC(),
		Records:   make(map[string]model.ResourceRecord, len(s.doc.Records)),
	}
	for id, r := range s.doc.Records {
		working.Records[id] = r
	}

	if err := fn(&working); err != nil {
		return err
	}
	if err := s.write(working); err != nil {
		return err
	}
	s.doc = working
	return nil
}

// write marshals the document to a temporary file in the same directory and
// renames it over the ledger path. Rename is atomic on POSIX filesystems, so
// a crash mid-write never yields a torn document.
func (s *Store) write(doc Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync ledger temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
