package collab

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// ScrapPost is one discrete post inside a scrap document. The canonical
// storage is a region of the replicated text. Pin state is derived from the
// embedded pin sentinel, never set directly.
type ScrapPost struct {
	Id        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Pinned   bool      `json:"pinned,omitempty"`
	PinnedAt time.Time `json:"pinned_at,omitempty"`
	PinnedBy string    `json:"pinned_by,omitempty"`
}

// re-derives the full post list from the replicated text
type ResyncFunc func() []ScrapPost

type PostsFunc func(posts []ScrapPost)

type UserCountFunc func(count int)

type ScrapSyncSettings struct {
	Debounce *DebounceSettings
}

func DefaultScrapSyncSettings() *ScrapSyncSettings {
	return &ScrapSyncSettings{
		Debounce: DefaultDebounceSettings(),
	}
}

// ScrapSync keeps the post list for one scrap document current. Two update
// paths feed it:
//
//  1. direct structured events (scrap_post_added/updated/deleted), applied
//     to the in-memory list immediately and exactly once
//  2. raw replicated-document update notices, debounced into a full resync,
//     because structured events are not guaranteed for every mutation
//     source (e.g. edits made through the raw text editor)
//
// The two paths can race. The debounce window bounds how long they stay
// reconciled apart, and the resync replaces the list wholesale.
type ScrapSync struct {
	ctx    context.Context
	cancel context.CancelFunc

	session *SyncSession
	resync  ResyncFunc

	debouncer *Debouncer

	postsCallbacks *CallbackList[PostsFunc]
	countCallbacks *CallbackList[UserCountFunc]

	unsubRoom func()

	mutex     sync.Mutex
	posts     []ScrapPost
	userCount int
}

func NewScrapSyncWithDefaults(ctx context.Context, session *SyncSession, resync ResyncFunc) *ScrapSync {
	return NewScrapSync(ctx, session, resync, DefaultScrapSyncSettings())
}

func NewScrapSync(
	ctx context.Context,
	session *SyncSession,
	resync ResyncFunc,
	settings *ScrapSyncSettings,
) *ScrapSync {
	cancelCtx, cancel := context.WithCancel(ctx)
	scrapSync := &ScrapSync{
		ctx:            cancelCtx,
		cancel:         cancel,
		session:        session,
		resync:         resync,
		postsCallbacks: NewCallbackList[PostsFunc](),
		countCallbacks: NewCallbackList[UserCountFunc](),
		posts:          []ScrapPost{},
	}
	scrapSync.debouncer = NewDebouncer(cancelCtx, scrapSync.runResync, settings.Debounce)
	scrapSync.unsubRoom = session.Room().AddReceiveCallback(scrapSync.receive)
	return scrapSync
}

func (self *ScrapSync) receive(envelope *Envelope, message any) {
	switch v := message.(type) {
	case *ScrapPost:
		switch envelope.Event {
		case EventPostAdded:
			self.applyAdded(*v)
		case EventPostUpdated:
			self.applyUpdated(*v)
		}
		self.notifyPosts()
	case *PostDeleted:
		self.applyDeleted(v.PostId)
		self.notifyPosts()
	case *SyncMessage:
		if v.Type == SyncTypeUpdate {
			// raw change notice. coalesce into one resync.
			self.debouncer.Trigger()
		}
	case *UserCountUpdate:
		// the dedicated count message is authoritative. counting join and
		// leave events locally miscounts under out-of-order delivery.
		self.mutex.Lock()
		self.userCount = v.Count
		self.mutex.Unlock()
		self.notifyCount(v.Count)
	case *UserJoined, *UserLeft:
		// informational only
		glog.V(2).Infof("[sc]%s %s\n", self.session.DocumentId(), envelope.Event)
	}
}

// insert at end, exactly once. redelivery of the same post id is a no-op.
func (self *ScrapSync) applyAdded(post ScrapPost) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, p := range self.posts {
		if p.Id == post.Id {
			return
		}
	}
	self.posts = append(self.posts, post)
}

// replace by id. content changes, identity does not.
func (self *ScrapSync) applyUpdated(post ScrapPost) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for i, p := range self.posts {
		if p.Id == post.Id {
			self.posts[i] = post
			return
		}
	}
	// the add may not have arrived yet. the debounced resync reconciles.
	glog.V(2).Infof("[sc]update for unknown post %s\n", post.Id)
}

func (self *ScrapSync) applyDeleted(postId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.posts = slices.DeleteFunc(self.posts, func(p ScrapPost) bool {
		return p.Id == postId
	})
}

func (self *ScrapSync) runResync() {
	if self.resync == nil {
		return
	}
	posts := self.resync()
	self.mutex.Lock()
	self.posts = posts
	self.mutex.Unlock()
	glog.V(2).Infof("[sc]%s resync %d post(s)\n", self.session.DocumentId(), len(posts))
	self.notifyPosts()
}

func (self *ScrapSync) Posts() []ScrapPost {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.posts)
}

func (self *ScrapSync) UserCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.userCount
}

// emitters no-op unless the room is both connected and joined, so events
// are never sent into a stale or not-yet-acknowledged room

func (self *ScrapSync) EmitPostAdded(post ScrapPost) bool {
	if !self.canEmit() {
		return false
	}
	envelope, err := ToEnvelope(self.session.DocumentId(), &post)
	if err != nil {
		panic(err)
	}
	if !self.session.sessionManager.connectionManager.Send(envelope) {
		return false
	}
	self.applyAdded(post)
	self.notifyPosts()
	return true
}

func (self *ScrapSync) EmitPostUpdated(post ScrapPost) bool {
	if !self.canEmit() {
		return false
	}
	envelope, err := PostUpdatedEnvelope(self.session.DocumentId(), &post)
	if err != nil {
		panic(err)
	}
	if !self.session.sessionManager.connectionManager.Send(envelope) {
		return false
	}
	self.applyUpdated(post)
	self.notifyPosts()
	return true
}

func (self *ScrapSync) EmitPostDeleted(postId string) bool {
	if !self.canEmit() {
		return false
	}
	envelope, err := ToEnvelope(self.session.DocumentId(), &PostDeleted{
		PostId: postId,
	})
	if err != nil {
		panic(err)
	}
	if !self.session.sessionManager.connectionManager.Send(envelope) {
		return false
	}
	self.applyDeleted(postId)
	self.notifyPosts()
	return true
}

func (self *ScrapSync) canEmit() bool {
	return self.session.IsConnected() && self.session.Room().IsJoined()
}

// returns an unsub function
func (self *ScrapSync) AddPostsCallback(callback PostsFunc) func() {
	return self.postsCallbacks.Add(callback)
}

// returns an unsub function
func (self *ScrapSync) AddUserCountCallback(callback UserCountFunc) func() {
	return self.countCallbacks.Add(callback)
}

func (self *ScrapSync) notifyPosts() {
	posts := self.Posts()
	for _, callback := range self.postsCallbacks.Get() {
		safeCallback(func() {
			callback(posts)
		})
	}
}

func (self *ScrapSync) notifyCount(count int) {
	for _, callback := range self.countCallbacks.Get() {
		safeCallback(func() {
			callback(count)
		})
	}
}

// Close cancels the pending debounce timer and detaches from the room.
// Leaving the room itself is the owning session's teardown.
func (self *ScrapSync) Close() {
	self.cancel()
	self.debouncer.Close()
	if self.unsubRoom != nil {
		self.unsubRoom()
		self.unsubRoom = nil
	}
}

// DerivePosts splits scrap document text into posts on `---` separator
// lines, strips comment regions from each post body, and derives pin state
// from the embedded pin metadata. Canonical post identity comes from the
// structured event path. A derived list is a wholesale replacement for
// rendering, so positional ids are used here.
func DerivePosts(text string) []ScrapPost {
	posts := []ScrapPost{}
	for i, block := range splitPosts(text) {
		content := ExtractContentWithoutComments(block)
		post := ScrapPost{
			Id:      strconv.Itoa(i),
			Content: RemovePinMetadata(content),
		}
		if metadata, ok := ParseMetadata(content); ok {
			post.Pinned = true
			post.PinnedAt = metadata.PinnedAt
			post.PinnedBy = metadata.PinnedBy
		}
		posts = append(posts, post)
	}
	return posts
}

func splitPosts(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	blocks := []string{}
	current := []string{}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "---" {
			blocks = append(blocks, strings.Trim(strings.Join(current, "\n"), "\n"))
			current = []string{}
			continue
		}
		current = append(current, line)
	}
	blocks = append(blocks, strings.Trim(strings.Join(current, "\n"), "\n"))
	out := []string{}
	for _, block := range blocks {
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}
