package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeIdentity struct {
	id    int64
	name  string
	token string
}

func (f fakeIdentity) UserID() int64       { return f.id }
func (f fakeIdentity) UserName() string    { return f.name }
func (f fakeIdentity) AccessToken() string { return f.token }

// fakeHistory serves pages from a newest-first slice.
type fakeHistory struct {
	mu       sync.Mutex
	newest   []Message
	err      error
	calls    int
	block    chan struct{}
	requests []int
}

func (f *fakeHistory) History(ctx context.Context, roomID int64, page, size int) ([]Message, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, page)
	block, err := f.block, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	start := page * size
	if start >= len(f.newest) {
		return nil, nil
	}
	end := start + size
	if end > len(f.newest) {
		end = len(f.newest)
	}
	out := make([]Message, end-start)
	copy(out, f.newest[start:end])
	return out, nil
}

type fakeRoomAPI struct {
	mu      sync.Mutex
	rooms   map[[2]int64]int64
	nextID  int64
	findErr error
	calls   int
	block   chan struct{}
}

func newFakeRoomAPI() *fakeRoomAPI {
	return &fakeRoomAPI{rooms: make(map[[2]int64]int64), nextID: 100}
}

func pairKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

func (f *fakeRoomAPI) FindRoom(ctx context.Context, a, b int64) (int64, bool, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.findErr
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return 0, false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.rooms[pairKey(a, b)]
	return id, ok, nil
}

func (f *fakeRoomAPI) CreateRoom(ctx context.Context, a, b int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.nextID++
	f.rooms[pairKey(a, b)] = f.nextID
	return f.nextID, nil
}

func (f *fakeRoomAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTransport lets tests drive connection state and inbound delivery.
type fakeTransport struct {
	mu        sync.Mutex
	state     ConnState
	onState   func(ConnState)
	handler   func(Message)
	published []Outgoing
	publishFn func(Outgoing) error
	closed    int
}

func (f *fakeTransport) Subscribe(h func(Message)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Publish(ctx context.Context, out Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ConnOpen {
		return ErrNotConnected
	}
	if f.publishFn != nil {
		if err := f.publishFn(out); err != nil {
			return err
		}
	}
	f.published = append(f.published, out)
	return nil
}

func (f *fakeTransport) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.state = ConnClosed
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) set(s ConnState) {
	f.mu.Lock()
	f.state = s
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *fakeTransport) deliver(m Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(m)
	}
}

func (f *fakeTransport) publishedCopy() []Outgoing {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outgoing, len(f.published))
	copy(out, f.published)
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	opened   []*fakeTransport
	rooms    []int64
	tokens   []string
	err      error
	autoOpen bool
}

func (f *fakeDialer) Open(ctx context.Context, roomID int64, token string, onState func(ConnState)) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tr := &fakeTransport{state: ConnConnecting, onState: onState}
	f.opened = append(f.opened, tr)
	f.rooms = append(f.rooms, roomID)
	f.tokens = append(f.tokens, token)
	if f.autoOpen {
		tr.state = ConnOpen
		go onState(ConnOpen)
	}
	return tr, nil
}

func (f *fakeDialer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeDialer) last(t *testing.T) *fakeTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		t.Fatalf("no transport opened")
	}
	return f.opened[len(f.opened)-1]
}

type fakeListings struct {
	listing Listing
	err     error
}

func (f fakeListings) Listing(ctx context.Context, id int64) (Listing, error) {
	if f.err != nil {
		return Listing{}, f.err
	}
	return f.listing, nil
}

var errBackend = errors.New("backend unavailable")

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender int64, content string, minute int) Message {
	return Message{
		ID:        id,
		RoomID:    7,
		SenderID:  sender,
		Content:   content,
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
