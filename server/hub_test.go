package server

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"scrapnote.io/collab"
)

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// polls f until it returns true or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if f() {
			return
		}
		if deadline.Before(time.Now()) {
			t.Fatal("condition not reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type testClient struct {
	connectionManager *collab.ConnectionManager
	sessionManager    *collab.SessionManager
}

func newTestClient(ctx context.Context, wsUrl string) *testClient {
	connectionManager := collab.NewConnectionManagerWithDefaults(ctx, wsUrl, &collab.ClientAuth{
		ShareToken: "test-share-token",
	})
	return &testClient{
		connectionManager: connectionManager,
		sessionManager:    collab.NewSessionManagerWithDefaults(ctx, connectionManager),
	}
}

func (self *testClient) close() {
	self.sessionManager.Close()
	self.connectionManager.Close()
}

func startHub(t *testing.T) (*Hub, string, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHubWithDefaults(ctx)
	server := httptest.NewServer(hub.Handler())
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, wsUrl, func() {
		server.Close()
		hub.Close()
		cancel()
	}
}

func TestHubJoinAndSync(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newTestClient(ctx, wsUrl)
	defer client.close()

	session := client.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return session.IsSynced()
	})
	assert.Equal(t, session.Room().IsJoined(), true)
	assert.Equal(t, session.Status(), collab.StatusSynced)

	text, ok := session.Text()
	assert.Equal(t, ok, true)
	assert.Equal(t, text, "")
}

func TestHubTwoClientsConverge(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()

	sessionA := clientA.sessionManager.Open("doc1")
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	sessionA.Document().Insert(0, "hello from a")

	waitFor(t, 5*time.Second, func() bool {
		text, ok := sessionB.Text()
		return ok && text == "hello from a"
	})

	// the server acked, so nothing stays pending
	waitFor(t, 5*time.Second, func() bool {
		return !sessionA.Pending().HasPending()
	})
}

func TestHubLateJoinerReplay(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()

	sessionA := clientA.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced()
	})
	sessionA.Document().Insert(0, "existing content")
	waitFor(t, 5*time.Second, func() bool {
		return !sessionA.Pending().HasPending()
	})

	// a late joiner receives the full state before the done signal
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		if !sessionB.IsSynced() {
			return false
		}
		text, ok := sessionB.Text()
		return ok && text == "existing content"
	})
}

func TestHubUserCount(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()

	sessionA := clientA.sessionManager.Open("doc1")
	scrapA := collab.NewScrapSyncWithDefaults(ctx, sessionA, nil)
	defer scrapA.Close()

	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced()
	})

	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionB.IsSynced()
	})

	// the dedicated count message is authoritative
	waitFor(t, 5*time.Second, func() bool {
		return scrapA.UserCount() == 2
	})
}

func TestHubScrapPostEvents(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()

	sessionA := clientA.sessionManager.Open("doc1")
	sessionB := clientB.sessionManager.Open("doc1")
	scrapA := collab.NewScrapSyncWithDefaults(ctx, sessionA, nil)
	defer scrapA.Close()
	scrapB := collab.NewScrapSyncWithDefaults(ctx, sessionB, nil)
	defer scrapB.Close()

	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	ok := scrapA.EmitPostAdded(collab.ScrapPost{
		Id:      "post-1",
		Author:  "alice",
		Content: "hello",
	})
	assert.Equal(t, ok, true)
	assert.Equal(t, len(scrapA.Posts()), 1)

	waitFor(t, 5*time.Second, func() bool {
		posts := scrapB.Posts()
		return len(posts) == 1 && posts[0].Id == "post-1"
	})

	ok = scrapA.EmitPostUpdated(collab.ScrapPost{
		Id:      "post-1",
		Author:  "alice",
		Content: "hello, edited",
	})
	assert.Equal(t, ok, true)
	waitFor(t, 5*time.Second, func() bool {
		posts := scrapB.Posts()
		return len(posts) == 1 && posts[0].Content == "hello, edited"
	})

	ok = scrapA.EmitPostDeleted("post-1")
	assert.Equal(t, ok, true)
	waitFor(t, 5*time.Second, func() bool {
		return len(scrapB.Posts()) == 0
	})
}

func TestHubDebouncedResync(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()

	sessionA := clientA.sessionManager.Open("doc1")
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	resyncCount := atomic.Int32{}
	resync := func() []collab.ScrapPost {
		resyncCount.Add(1)
		text, _ := sessionB.Text()
		return collab.DerivePosts(text)
	}
	scrapB := collab.NewScrapSync(ctx, sessionB, resync, &collab.ScrapSyncSettings{
		Debounce: &collab.DebounceSettings{
			Window:      200 * time.Millisecond,
			MinInterval: 200 * time.Millisecond,
		},
	})
	defer scrapB.Close()

	// a burst of raw edits arriving inside the window coalesces into one
	// resync after the last one
	doc := sessionA.Document()
	doc.Insert(0, "first")
	time.Sleep(30 * time.Millisecond)
	doc.Insert(5, " post")
	time.Sleep(30 * time.Millisecond)
	doc.Insert(10, "\n---\nsecond post")

	waitFor(t, 5*time.Second, func() bool {
		return resyncCount.Load() == 1
	})
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, resyncCount.Load(), int32(1))

	posts := scrapB.Posts()
	assert.Equal(t, len(posts), 2)
	assert.Equal(t, posts[0].Content, "first post")
	assert.Equal(t, posts[1].Content, "second post")
}

func TestHubPresence(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()

	sessionA := clientA.sessionManager.Open("doc1")
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	sessionA.SetLocalAwareness(&collab.AwarenessState{
		Name:  "alice",
		Color: "#ff0000",
		Cursor: &collab.Cursor{
			Anchor: 3,
			Head:   3,
		},
	})

	waitFor(t, 5*time.Second, func() bool {
		peers := sessionB.Presence().Peers()
		return len(peers) == 1 && peers[0].State.Name == "alice"
	})
	peers := sessionB.Presence().Peers()
	assert.Equal(t, peers[0].State.Cursor.Anchor, 3)
}

func TestHubReconnectFlushesPendingEdits(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()

	sessionA := clientA.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced()
	})

	// sever the connection under the session
	conn, err := clientA.connectionManager.Conn()
	assert.Equal(t, err, nil)
	conn.Close()
	waitFor(t, 5*time.Second, func() bool {
		return !clientA.connectionManager.IsConnected()
	})

	// an edit made while down only lands in the pending buffer
	sessionA.Document().Insert(0, "offline edit")

	// the rejoin ack retransmits the buffer
	waitFor(t, 10*time.Second, func() bool {
		return sessionA.Room().IsJoined() && !sessionA.Pending().HasPending()
	})

	// a late joiner sees the edit, so it reached the server
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		text, ok := sessionB.Text()
		return ok && text == "offline edit"
	})
}

// a detached conn not managed by any hub, for members built by hand
func dialDetachedConn(t *testing.T) (*websocket.Conn, func()) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	assert.Equal(t, err, nil)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestHubDropsSlowMemberWithoutFaulting(t *testing.T) {
	initGlog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultHubSettings()
	settings.SendBufferSize = 1
	hub := NewHub(ctx, nil, nil, settings)
	defer hub.Close()

	conn, cleanup := dialDetachedConn(t)
	defer cleanup()
	slow := &client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, settings.SendBufferSize),
		joined:    map[string]bool{},
		awareness: map[string]map[string]bool{},
	}

	// the join ack fills the one-slot buffer, so the count broadcast
	// inside the join overflows it and drops the member
	hub.receive(slow, mustEnvelope("doc1", &collab.JoinDocument{}))
	assert.Equal(t, slow.isDropped(), true)

	// a second join for the dropped member must not fault the hub
	hub.receive(slow, mustEnvelope("doc2", &collab.JoinDocument{}))

	hub.mutex.Lock()
	_, doc1Open := hub.rooms["doc1"]
	hub.mutex.Unlock()
	assert.Equal(t, doc1Open, false)
}

func TestHubPresenceClearedOnDisconnect(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.sessionManager.Close()
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()

	sessionA := clientA.sessionManager.Open("doc1")
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	sessionA.SetLocalAwareness(&collab.AwarenessState{Name: "alice"})
	waitFor(t, 5*time.Second, func() bool {
		return len(sessionB.Presence().Peers()) == 1
	})

	// a dropped connection, no leave, no teardown. the hub nulls the
	// departed member's entries for everyone still in the room.
	clientA.connectionManager.Close()
	waitFor(t, 5*time.Second, func() bool {
		return len(sessionB.Presence().Peers()) == 0
	})
}

func TestHubPresenceClearedOnSessionClose(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := newTestClient(ctx, wsUrl)
	defer clientA.close()
	clientB := newTestClient(ctx, wsUrl)
	defer clientB.close()

	sessionA := clientA.sessionManager.Open("doc1")
	sessionB := clientB.sessionManager.Open("doc1")
	waitFor(t, 5*time.Second, func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	sessionA.SetLocalAwareness(&collab.AwarenessState{Name: "alice"})
	waitFor(t, 5*time.Second, func() bool {
		return len(sessionB.Presence().Peers()) == 1
	})

	// teardown publishes a null entry before leaving the room
	sessionA.Close()
	waitFor(t, 5*time.Second, func() bool {
		return len(sessionB.Presence().Peers()) == 0
	})
}

func TestHubRejectsUpdateBeforeJoin(t *testing.T) {
	initGlog()

	_, wsUrl, shutdown := startHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectionManager := collab.NewConnectionManagerWithDefaults(ctx, wsUrl, &collab.ClientAuth{
		ShareToken: "test-share-token",
	})
	defer connectionManager.Close()

	waitFor(t, 5*time.Second, func() bool {
		return connectionManager.IsConnected()
	})

	errors := make(chan string, 1)
	unsub := connectionManager.AddReceiveCallback(func(envelope *collab.Envelope) {
		if envelope.Event == collab.EventError {
			message, err := collab.FromEnvelope(envelope)
			if err == nil {
				errors <- message.(*collab.RoomError).Error
			}
		}
	})
	defer unsub()

	doc := collab.NewDocument("rogue")
	envelope, err := collab.ToEnvelope("doc1", &collab.SyncMessage{
		Type:     collab.SyncTypeUpdate,
		UpdateId: collab.NewId(),
		Update:   doc.Insert(0, "sneaky"),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, connectionManager.Send(envelope), true)

	select {
	case errorMessage := <-errors:
		assert.Equal(t, errorMessage, "not joined")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a room error")
	}
}
