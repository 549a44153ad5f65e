package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
)

// Document is the default replicated text engine: an operation log with a
// lamport clock per op and a deterministic replay order, so applying the
// same set of updates in any causal order converges to the same text.
// Updates are opaque byte payloads on the wire. Anything that speaks the
// same payload format can stand in for this engine.
//
// Mutation happens only through ApplyUpdate (remote) or the local edit
// operations. Everything else is read-only.

type textOpKind string

const (
	opInsert  textOpKind = "insert"
	opDelete  textOpKind = "delete"
	opSetText textOpKind = "set"
)

type textOp struct {
	Id       string     `json:"id"`
	ClientId string     `json:"client_id"`
	Seq      uint64     `json:"seq"`
	Kind     textOpKind `json:"kind"`
	Pos      int        `json:"pos"`
	Text     string     `json:"text,omitempty"`
	Len      int        `json:"len,omitempty"`
}

type documentUpdate struct {
	Ops []textOp `json:"ops"`
}

// (update payload, remote)
type DocumentUpdateFunc func(update []byte, remote bool)

type Document struct {
	clientId string

	mutex sync.Mutex
	// op id -> op, applied exactly once
	ops map[string]textOp
	seq uint64
	// rebuilt lazily from the op log
	text  string
	dirty bool

	updateCallbacks *CallbackList[DocumentUpdateFunc]
}

func NewDocument(clientId string) *Document {
	return &Document{
		clientId:        clientId,
		ops:             map[string]textOp{},
		updateCallbacks: NewCallbackList[DocumentUpdateFunc](),
	}
}

// returns an unsub function
func (self *Document) AddUpdateCallback(callback DocumentUpdateFunc) func() {
	return self.updateCallbacks.Add(callback)
}

// ApplyUpdate merges a remote update into the op log. Replaying an update
// that was already applied is a no-op. A malformed payload is reported as
// an error and leaves the document untouched.
func (self *Document) ApplyUpdate(update []byte) error {
	decoded := &documentUpdate{}
	if err := json.Unmarshal(update, decoded); err != nil {
		return fmt.Errorf("malformed update: %w", err)
	}

	self.mutex.Lock()
	applied := 0
	for _, op := range decoded.Ops {
		if _, ok := self.ops[op.Id]; ok {
			continue
		}
		self.ops[op.Id] = op
		if self.seq < op.Seq {
			self.seq = op.Seq
		}
		applied++
	}
	if 0 < applied {
		self.dirty = true
	}
	self.mutex.Unlock()

	if 0 < applied {
		glog.V(2).Infof("[doc]%s apply %d op(s)\n", self.clientId, applied)
		self.notify(update, true)
	}
	return nil
}

func (self *Document) Insert(pos int, text string) []byte {
	return self.edit(textOp{Kind: opInsert, Pos: pos, Text: text})
}

func (self *Document) Delete(pos int, n int) []byte {
	return self.edit(textOp{Kind: opDelete, Pos: pos, Len: n})
}

// SetText replaces the whole text. Used by coarse writers like the post ui,
// which edit whole regions rather than keystrokes.
func (self *Document) SetText(text string) []byte {
	return self.edit(textOp{Kind: opSetText, Text: text})
}

// edit applies a local op and returns the encoded update payload for
// transmission
func (self *Document) edit(op textOp) []byte {
	self.mutex.Lock()
	self.seq++
	op.Id = NewId().String()
	op.ClientId = self.clientId
	op.Seq = self.seq
	self.ops[op.Id] = op
	self.dirty = true
	self.mutex.Unlock()

	update, err := json.Marshal(&documentUpdate{Ops: []textOp{op}})
	if err != nil {
		// op fields are all marshalable
		panic(err)
	}
	self.notify(update, false)
	return update
}

func (self *Document) notify(update []byte, remote bool) {
	for _, callback := range self.updateCallbacks.Get() {
		func() {
			defer func() {
				recover()
			}()
			callback(update, remote)
		}()
	}
}

func (self *Document) Text() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.dirty {
		self.text = replay(self.ops)
		self.dirty = false
	}
	return self.text
}

// State encodes the full op log as one update payload, which a late joiner
// can apply to an empty document
func (self *Document) State() []byte {
	self.mutex.Lock()
	ops := sortedOps(self.ops)
	self.mutex.Unlock()

	state, err := json.Marshal(&documentUpdate{Ops: ops})
	if err != nil {
		panic(err)
	}
	return state
}

func sortedOps(ops map[string]textOp) []textOp {
	ordered := make([]textOp, 0, len(ops))
	for _, op := range ops {
		ordered = append(ordered, op)
	}
	// total order shared by every replica
	sort.Slice(ordered, func(i int, j int) bool {
		a := ordered[i]
		b := ordered[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.ClientId != b.ClientId {
			return a.ClientId < b.ClientId
		}
		return a.Id < b.Id
	})
	return ordered
}

func replay(ops map[string]textOp) string {
	text := []rune{}
	for _, op := range sortedOps(ops) {
		switch op.Kind {
		case opInsert:
			pos := op.Pos
			if len(text) < pos {
				pos = len(text)
			}
			if pos < 0 {
				pos = 0
			}
			insert := []rune(op.Text)
			text = append(text[:pos], append(insert, text[pos:]...)...)
		case opDelete:
			pos := op.Pos
			if pos < 0 {
				pos = 0
			}
			end := pos + op.Len
			if len(text) < end {
				end = len(text)
			}
			if pos < end {
				text = append(text[:pos], text[end:]...)
			}
		case opSetText:
			text = []rune(op.Text)
		}
	}
	return string(text)
}

// SentinelRange locates one embedded metadata sentinel region in the text
type SentinelRange struct {
	Kind  string // "pin" or "comment"
	Id    string // comment id, empty for pin sentinels
	Start int
	End   int
}

// SentinelIndex maps logical positions back to the metadata sentinels
// embedded in the current text
func (self *Document) SentinelIndex() []SentinelRange {
	text := self.Text()
	ranges := []SentinelRange{}
	for _, loc := range pinSentinelRe.FindAllStringIndex(text, -1) {
		ranges = append(ranges, SentinelRange{
			Kind:  "pin",
			Start: loc[0],
			End:   loc[1],
		})
	}
	for _, region := range commentRegions(text) {
		ranges = append(ranges, SentinelRange{
			Kind:  "comment",
			Id:    region.comment.Id,
			Start: region.start,
			End:   region.end,
		})
	}
	sort.Slice(ranges, func(i int, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})
	return ranges
}
