package actor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

const (
	MaxTagsPerSocket = 10
	MaxTagLength     = 256
)

var (
	ErrTooManyTags       = errors.New("actor: too many websocket tags")
	ErrTagTooLong        = errors.New("actor: websocket tag too long")
	ErrEmptyTag          = errors.New("actor: empty websocket tag")
	ErrSocketAccepted    = errors.New("actor: websocket already accepted")
	ErrSocketNotAccepted = errors.New("actor: websocket not accepted")
	ErrNilSocket         = errors.New("actor: nil websocket")
)

// WebSocket is a live socket owned by the host. OnClose listeners run once,
// when either side closes.
type WebSocket interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
	OnClose(fn func(code int, reason string))
}

type socketEntry struct {
	seq      uint64
	tags     []string
	lastAuto time.Time
}

// socketIndex is the many-to-many relation between live sockets and tags.
// A removed socket keeps its tags in closing until its close event has run.
type socketIndex struct {
	mu      sync.Mutex
	seq     uint64
	sockets map[WebSocket]*socketEntry
	buckets map[string]map[WebSocket]struct{}
	closing map[WebSocket][]string
}

func newSocketIndex() *socketIndex {
	return &socketIndex{
		sockets: make(map[WebSocket]*socketEntry),
		buckets: make(map[string]map[WebSocket]struct{}),
		closing: make(map[WebSocket][]string),
	}
}

func validateTags(tags []string) ([]string, error) {
	if len(tags) > MaxTagsPerSocket {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTags, len(tags), MaxTagsPerSocket)
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return nil, ErrEmptyTag
		}
		if len(tag) > MaxTagLength {
			return nil, fmt.Errorf("%w: %d bytes", ErrTagTooLong, len(tag))
		}
		if !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	return out, nil
}

func (x *socketIndex) add(ws WebSocket, tags []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.sockets[ws]; ok {
		return ErrSocketAccepted
	}
	x.seq++
	x.sockets[ws] = &socketEntry{seq: x.seq, tags: tags}
	for _, tag := range tags {
		bucket, ok := x.buckets[tag]
		if !ok {
			bucket = make(map[WebSocket]struct{})
			x.buckets[tag] = bucket
		}
		bucket[ws] = struct{}{}
	}
	return nil
}

// remove drops ws from every bucket and reports whether it was present. Its
// tags stay readable until forget.
func (x *socketIndex) remove(ws WebSocket) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	entry, ok := x.sockets[ws]
	if !ok {
		return false
	}
	delete(x.sockets, ws)
	x.closing[ws] = entry.tags
	for _, tag := range entry.tags {
		bucket := x.buckets[tag]
		delete(bucket, ws)
		if len(bucket) == 0 {
			delete(x.buckets, tag)
		}
	}
	return true
}

func (x *socketIndex) forget(ws WebSocket) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.closing, ws)
}

// list returns sockets in accept order, all of them when tag is empty.
func (x *socketIndex) list(tag string) []WebSocket {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []WebSocket
	if tag == "" {
		out = make([]WebSocket, 0, len(x.sockets))
		for ws := range x.sockets {
			out = append(out, ws)
		}
	} else {
		bucket := x.buckets[tag]
		out = make([]WebSocket, 0, len(bucket))
		for ws := range bucket {
			out = append(out, ws)
		}
	}
	slices.SortFunc(out, func(a, b WebSocket) int {
		sa, sb := x.sockets[a].seq, x.sockets[b].seq
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (x *socketIndex) tags(ws WebSocket) ([]string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if entry, ok := x.sockets[ws]; ok {
		return slices.Clone(entry.tags), true
	}
	if tags, ok := x.closing[ws]; ok {
		return slices.Clone(tags), true
	}
	return nil, false
}

func (x *socketIndex) has(ws WebSocket) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.sockets[ws]
	return ok
}

func (x *socketIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.sockets)
}

func (x *socketIndex) markAuto(ws WebSocket, at time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if entry, ok := x.sockets[ws]; ok {
		entry.lastAuto = at
	}
}

func (x *socketIndex) lastAuto(ws WebSocket) time.Time {
	x.mu.Lock()
	defer x.mu.Unlock()
	if entry, ok := x.sockets[ws]; ok {
		return entry.lastAuto
	}
	return time.Time{}
}

// autoResponse is a request/response pair answered without waking the object.
type autoResponse struct {
	request  string
	response string
}
