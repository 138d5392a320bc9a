package tokibot

import (
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type testDocument struct {
	Items []string       `json:"items"`
	Count int            `json:"count"`
	Meta  map[string]int `json:"meta,omitempty"`
}

func newTestDocument() testDocument {
	return testDocument{Items: []string{}}
}

func TestStore_LoadCreatesMissingFile(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	path := filepath.Join(t.TempDir(), "doc.json")

	doc := Load(store, path, newTestDocument)
	assert.Equal(t, newTestDocument(), doc)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items": [], "count": 0}`, string(data))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	want := testDocument{
		Items: []string{"a", "b", "é"},
		Count: 3,
		Meta:  map[string]int{"x": 1},
	}
	require.True(t, Save(store, path, want))

	got := Load(store, path, newTestDocument)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file should have been renamed")
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestStore_LoadInvalidDocument(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "malformed", content: `{"items": [`},
		{name: "array root", content: `["a", "b"]`},
		{name: "string root", content: `"hello"`},
		{name: "empty", content: ``},
		{name: "wrong field type", content: `{"items": "nope"}`},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				store := NewStore(testLogger(t))
				path := filepath.Join(t.TempDir(), "doc.json")
				require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

				doc := Load(store, path, newTestDocument)
				assert.Equal(t, newTestDocument(), doc)

				// a fresh default each time
				doc.Items = append(doc.Items, "mutated")
				assert.Empty(t, Load(store, path, newTestDocument).Items)
			},
		)
	}
}

func TestStore_SaveFailure(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	ok := Save(store, filepath.Join(blocker, "doc.json"), newTestDocument())
	assert.False(t, ok)
}

func TestStore_UpdateAtomicIncrement(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	path := filepath.Join(t.TempDir(), "doc.json")

	const workers = 20
	const perWorker = 10

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := Update(
					store,
					path,
					newTestDocument,
					func(doc *testDocument) (bool, error) {
						doc.Count++
						return true, nil
					},
				)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	doc := Load(store, path, newTestDocument)
	assert.Equal(t, workers*perWorker, doc.Count)
}

func TestStore_UpdateErrorSkipsWrite(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	path := filepath.Join(t.TempDir(), "doc.json")
	require.True(t, Save(store, path, testDocument{Items: []string{"keep"}}))

	wantErr := validationError("nope")
	err := Update(
		store,
		path,
		newTestDocument,
		func(doc *testDocument) (bool, error) {
			doc.Items = nil
			return true, wantErr
		},
	)
	require.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, []string{"keep"}, Load(store, path, newTestDocument).Items)
}

func TestStore_UpdateUnchangedSkipsWrite(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	path := filepath.Join(t.TempDir(), "doc.json")
	require.True(t, Save(store, path, testDocument{Count: 1}))

	before, err := os.Stat(path)
	require.NoError(t, err)

	err = Update(
		store,
		path,
		newTestDocument,
		func(doc *testDocument) (bool, error) {
			return false, nil
		},
	)
	require.NoError(t, err)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestStore_UpdateSaveFailure(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := Update(
		store,
		filepath.Join(blocker, "doc.json"),
		newTestDocument,
		func(doc *testDocument) (bool, error) {
			doc.Count = 1
			return true, nil
		},
	)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, genericFailureMessage, UserMessage(err))
}

func TestStore_LocksArePerPath(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	dir := t.TempDir()

	a := store.lock(filepath.Join(dir, "a.json"))
	assert.Same(t, a, store.lock(filepath.Join(dir, ".", "a.json")))
	assert.NotSame(t, a, store.lock(filepath.Join(dir, "b.json")))
}

func TestDecodeDocument(t *testing.T) {
	var doc testDocument
	require.NoError(t, decodeDocument([]byte("  \n{\"count\": 2}"), &doc))
	assert.Equal(t, 2, doc.Count)

	err := decodeDocument([]byte("[]"), &doc)
	assert.ErrorIs(t, err, errNotObject)

	var syntaxErr *json.SyntaxError
	err = decodeDocument([]byte("{"), &doc)
	assert.ErrorAs(t, err, &syntaxErr)
}

func TestInitDataDir(t *testing.T) {
	t.Parallel()
	store := NewStore(testLogger(t))
	dir := filepath.Join(t.TempDir(), "data")

	existing := `{"temp_bans": [{"user_id": "1001", "end_time": null, "reason": "kept", "moderator_id": "2001"}]}`
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SanctionsFile), []byte(existing), 0o644))

	created, err := InitDataDir(store, dir)
	require.NoError(t, err)
	assert.ElementsMatch(
		t,
		[]string{
			ConfessionsFile,
			ConfessionBansFile,
			ConfessionConfigFile,
			ConfessionReportsFile,
			ConfessionActionsFile,
			WelcomeConfigFile,
		},
		created,
	)

	data, err := os.ReadFile(filepath.Join(dir, SanctionsFile))
	require.NoError(t, err)
	assert.Equal(t, existing, string(data))

	for _, name := range created {
		data, err = os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		var v map[string]any
		assert.NoError(t, json.Unmarshal(data, &v), name)
	}

	created, err = InitDataDir(store, dir)
	require.NoError(t, err)
	assert.Empty(t, created)
}
