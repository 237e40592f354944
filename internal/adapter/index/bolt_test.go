package index

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medvault/internal/domain"
	"medvault/internal/port"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	return key
}

func TestBoltStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")
	key := testKey(t)

	s, err := NewBoltStore(path, 3, domain.MetricCosine, key, false)
	require.NoError(t, err)
	defer s.Close()

	items := []port.StoredItem{
		{ID: "a1b2c3", Vector: []float32{1, 0, 0}, Text: "patient presents with fever", Metadata: map[string]string{"ward": "3"}},
		{ID: "d4e5f6", Vector: []float32{0, 1, 0}, Text: "followup after discharge"},
	}
	require.NoError(t, s.Upsert(items))
	assert.Equal(t, 2, s.Pending())
	require.NoError(t, s.Rebuild())
	assert.Zero(t, s.Pending())

	matches, err := s.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a1b2c3", matches[0].ID)
	assert.Equal(t, "patient presents with fever", matches[0].Text)
	assert.Equal(t, "3", matches[0].Metadata["ward"])
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")
	key := testKey(t)

	s, err := NewBoltStore(path, 2, domain.MetricCosine, key, false)
	require.NoError(t, err)
	require.NoError(t, s.Upsert([]port.StoredItem{{ID: "a", Vector: []float32{1, 0}, Text: "note"}}))
	require.NoError(t, s.Rebuild())
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path, 2, domain.MetricCosine, key, false)
	require.NoError(t, err)
	defer s.Close()

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	matches, err := s.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "note", matches[0].Text)
}

func TestBoltStoreSealedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")
	marker := "sensitive plaintext marker that must never hit disk"

	s, err := NewBoltStore(path, 2, domain.MetricCosine, testKey(t), false)
	require.NoError(t, err)
	require.NoError(t, s.Upsert([]port.StoredItem{{ID: "a", Vector: []float32{1, 0}, Text: marker}}))
	require.NoError(t, s.Rebuild())
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte(marker)), "record text must only be stored sealed")
}

func TestBoltStoreWrongKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")

	s, err := NewBoltStore(path, 2, domain.MetricCosine, testKey(t), false)
	require.NoError(t, err)
	require.NoError(t, s.Upsert([]port.StoredItem{{ID: "a", Vector: []float32{1, 0}, Text: "note"}}))
	require.NoError(t, s.Rebuild())
	require.NoError(t, s.Close())

	_, err = NewBoltStore(path, 2, domain.MetricCosine, testKey(t), false)
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestBoltStoreResetDiscardsContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")

	s, err := NewBoltStore(path, 2, domain.MetricCosine, testKey(t), false)
	require.NoError(t, err)
	require.NoError(t, s.Upsert([]port.StoredItem{{ID: "a", Vector: []float32{1, 0}, Text: "note"}}))
	require.NoError(t, s.Rebuild())
	require.NoError(t, s.Close())

	// Reset with a fresh key: the stale sealed records must not survive.
	s, err = NewBoltStore(path, 2, domain.MetricCosine, testKey(t), true)
	require.NoError(t, err)
	defer s.Close()

	count, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBoltStoreKeyRequires32Bytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")
	_, err := NewBoltStore(path, 2, domain.MetricCosine, []byte("short"), false)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBoltStoreStagedInvisibleUntilRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.vault")

	s, err := NewBoltStore(path, 2, domain.MetricCosine, testKey(t), false)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert([]port.StoredItem{{ID: "a", Vector: []float32{1, 0}}}))

	matches, err := s.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, matches, "staged items must not be searchable before the train step")

	require.NoError(t, s.Rebuild())
	matches, err = s.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
