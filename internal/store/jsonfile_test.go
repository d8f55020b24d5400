package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	Version int `json:"version"`
	Count   int `json:"count"`
}

func decodeCounter(data []byte) counterDoc {
	var doc counterDoc
	if len(data) == 0 {
		return counterDoc{Version: 1}
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != 1 {
		return counterDoc{Version: 1}
	}
	return doc
}

func TestJSONFileReadMissingReturnsDefault(t *testing.T) {
	f := NewJSONFile(filepath.Join(t.TempDir(), "doc.json"), nil, decodeCounter)

	doc, err := f.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, counterDoc{Version: 1}, doc)
}

func TestJSONFileUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "doc.json")
	f := NewJSONFile(path, nil, decodeCounter)

	doc, err := f.Update(context.Background(), func(d *counterDoc) error {
		d.Count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"count": 1`)

	again, err := f.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Count)
}

func TestJSONFileCorruptDocumentResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	f := NewJSONFile(path, nil, decodeCounter)

	doc, err := f.Update(context.Background(), func(d *counterDoc) error {
		d.Count = 5
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, counterDoc{Version: 1, Count: 5}, doc)
}

func TestJSONFileSkipWriteAndCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	f := NewJSONFile(path, nil, decodeCounter)

	doc, err := f.Update(context.Background(), func(d *counterDoc) error {
		d.Count = 9
		return ErrSkipWrite
	})
	require.NoError(t, err)
	assert.Equal(t, 9, doc.Count)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "skip write must not create the file")

	boom := errors.New("boom")
	_, err = f.Update(context.Background(), func(d *counterDoc) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestJSONFileConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	f := NewJSONFile(path, shortLockConfig(5*time.Second), decodeCounter)

	const writers = 12
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Update(context.Background(), func(d *counterDoc) error {
				d.Count++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := f.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, writers, doc.Count)
}
