package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"scrapnote.io/collab"
)

func TestSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")

	store, err := OpenSnapshotStore(path)
	assert.Equal(t, err, nil)

	state, err := store.LoadState("doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, state, nil)

	err = store.SaveState("doc1", []byte("state-a"))
	assert.Equal(t, err, nil)
	err = store.Close()
	assert.Equal(t, err, nil)

	// survives reopen
	store, err = OpenSnapshotStore(path)
	assert.Equal(t, err, nil)
	defer store.Close()

	state, err = store.LoadState("doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(state), "state-a")
}

func TestHubWarmStartFromSnapshot(t *testing.T) {
	initGlog()

	path := filepath.Join(t.TempDir(), "snapshots.db")

	run := func(edit func(session *collab.SyncSession)) {
		store, err := OpenSnapshotStore(path)
		assert.Equal(t, err, nil)
		defer store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hub := NewHub(ctx, store, nil, DefaultHubSettings())
		defer hub.Close()
		server := httptest.NewServer(hub.Handler())
		defer server.Close()
		wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")

		client := newTestClient(ctx, wsUrl)
		defer client.close()

		session := client.sessionManager.Open("doc1")
		waitFor(t, 5*time.Second, func() bool {
			return session.IsSynced()
		})
		edit(session)
	}

	// first hub lifetime writes the snapshot
	run(func(session *collab.SyncSession) {
		session.Document().Insert(0, "persisted")
		waitFor(t, 5*time.Second, func() bool {
			return !session.Pending().HasPending()
		})
	})

	// a fresh hub replays it for the first joiner
	run(func(session *collab.SyncSession) {
		waitFor(t, 5*time.Second, func() bool {
			text, ok := session.Text()
			return ok && text == "persisted"
		})
	})
}
