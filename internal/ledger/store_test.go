package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/agentvm/internal/model"
)

func record(id string, state string) model.ResourceRecord {
	return model.ResourceRecord{
		ID:             id,
		Name:           "test-" + id,
		State:          state,
		SigningAddress: "0xagent",
		PayerAddress:   "0xagent",
		ComputeUnits:   1,
		HourlyCost:     1.5,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "ledger.json"))

	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestOpen_EmptyFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestOpen_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"records":{}}`), 0o600))

	_, err := Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestOpen_RejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"records"`), 0o600))

	_, err := Open(path)
	require.Error(t, err)
}

func TestUpdate_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := Open(path)
	require.NoError(t, err)

	err = s.Update(func(doc *Document) error {
		doc.Records["vm-1"] = record("vm-1", model.StateHealthy)
		return nil
	})
	require.NoError(t, err)

	// A fresh open sees the committed document.
	s2, err := Open(path)
	require.NoError(t, err)
	r, ok := s2.Get("vm-1")
	require.True(t, ok)
	assert.Equal(t, model.StateHealthy, r.State)
}

func TestUpdate_ErrorLeavesDocumentUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(doc *Document) error {
		doc.Records["vm-1"] = record("vm-1", model.StateHealthy)
		return nil
	}))

	err = s.Update(func(doc *Document) error {
		delete(doc.Records, "vm-1")
		return errors.New("abort")
	})
	require.Error(t, err)

	_, ok := s.Get("vm-1")
	assert.True(t, ok, "aborted update must not mutate the store")
}

func TestUpdate_WritesCompleteDocumentAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(doc *Document) error {
		doc.Records["vm-1"] = record("vm-1", model.StateProvisioning)
		return nil
	}))

	// No temp file left behind, and the on-disk document parses whole.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1, doc.Version)
	assert.Len(t, doc.Records, 1)
}

func TestSnapshot_SortedByCreation(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	older := record("vm-b", model.StateHealthy)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := record("vm-a", model.StateHealthy)

	require.NoError(t, s.Update(func(doc *Document) error {
		doc.Records["vm-a"] = newer
		doc.Records["vm-b"] = older
		return nil
	}))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "vm-b", snap[0].ID)
	assert.Equal(t, "vm-a", snap[1].ID)
}

func TestActiveCount(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	require.NoError(t, s.Update(func(doc *Document) error {
		doc.Records["vm-1"] = record("vm-1", model.StateHealthy)
		doc.Records["vm-2"] = record("vm-2", model.StateProvisioning)
		doc.Records["vm-3"] = record("vm-3", model.StateTerminated)
		other := record("vm-4", model.StateHealthy)
		other.SigningAddress = "0xother"
		doc.Records["vm-4"] = other
		return nil
	}))

	assert.Equal(t, 2, s.ActiveCount("0xagent"))
	assert.Equal(t, 1, s.ActiveCount("0xother"))
	assert.Equal(t, 0, s.ActiveCount("0xnobody"))
}
