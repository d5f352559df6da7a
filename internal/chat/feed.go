package chat

import (
	"context"
	"sync"
	"time"
)

// Feed is the ordered in-memory view of one room's messages. History pages
// are prefixed, live messages are appended. Safe for concurrent use.
type Feed struct {
	roomID  int64
	localID int64
	source  HistorySource

	mu       sync.Mutex
	messages []Message
	ids      map[int64]struct{}
	// pending holds correlation ids of local messages the server has not
	// echoed yet, oldest first.
	pending []string
}

// NewFeed creates an empty feed for roomID as seen by localID.
func NewFeed(roomID, localID int64, source HistorySource) *Feed {
	return &Feed{
		roomID:  roomID,
		localID: localID,
		source:  source,
		ids:     make(map[int64]struct{}),
	}
}

// RoomID returns the room this feed belongs to.
func (f *Feed) RoomID() int64 { return f.roomID }

// LoadHistory fetches one page (0 is the newest) and prefixes it to the feed
// in chronological order. It returns the messages that were added. On error
// the feed is left untouched.
func (f *Feed) LoadHistory(ctx context.Context, page, size int) ([]Message, error) {
	added, _, err := f.loadPage(ctx, page, size)
	return added, err
}

// LoadOlder prefixes the next messages older than everything in the feed.
// Server pages count from the newest message, so messages that arrived live
// shift them; the first page is chosen from the feed length and a full page
// with nothing new moves on to the following one. An empty result means the
// server has no older messages.
func (f *Feed) LoadOlder(ctx context.Context, size int) ([]Message, error) {
	page := f.Len() / size
	for {
		added, fetched, err := f.loadPage(ctx, page, size)
		if err != nil || len(added) > 0 || fetched < size {
			return added, err
		}
		if err := ctx.Err(); err != nil {
			return nil, &HistoryLoadError{RoomID: f.roomID, Page: page, Err: err}
		}
		page++
	}
}

func (f *Feed) loadPage(ctx context.Context, page, size int) ([]Message, int, error) {
	msgs, err := f.source.History(ctx, f.roomID, page, size)
	if err != nil {
		return nil, 0, &HistoryLoadError{RoomID: f.roomID, Page: page, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	older := make([]Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ID != 0 {
			if _, dup := f.ids[m.ID]; dup {
				continue
			}
			f.ids[m.ID] = struct{}{}
		}
		older = append(older, m)
	}

	merged := make([]Message, 0, len(older)+len(f.messages))
	merged = append(merged, older...)
	merged = append(merged, f.messages...)
	f.messages = merged

	added := make([]Message, len(older))
	copy(added, older)
	return added, len(msgs), nil
}

// Append adds a live message at the tail. It returns false when m was already
// in the feed or was the server echo of a pending local message; in the
// latter case the local entry adopts the server id and timestamp.
func (f *Feed) Append(m Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m.ID != 0 {
		if _, dup := f.ids[m.ID]; dup {
			return false
		}
	}

	if m.CorrelationID != "" {
		if idx := f.indexByCorrelation(m.CorrelationID); idx >= 0 {
			f.confirm(idx, m)
			return false
		}
	} else if m.IsFrom(f.localID) {
		// Echo without a correlation id: match the oldest pending message
		// with the same content.
		for _, cid := range f.pending {
			idx := f.indexByCorrelation(cid)
			if idx >= 0 && f.messages[idx].Content == m.Content {
				f.confirm(idx, m)
				return false
			}
		}
	}

	if m.ID != 0 {
		f.ids[m.ID] = struct{}{}
	}
	f.messages = append(f.messages, m)
	return true
}

// AppendLocal appends the optimistic copy of a message being sent.
func (f *Feed) AppendLocal(out Outgoing, at time.Time) Message {
	m := out.Message(at)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages = append(f.messages, m)
	if m.CorrelationID != "" {
		f.pending = append(f.pending, m.CorrelationID)
	}
	return m
}

// Retract removes a local message that has not been confirmed yet. It is
// used when publishing fails.
func (f *Feed) Retract(correlationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.removePending(correlationID) {
		return false
	}
	idx := f.indexByCorrelation(correlationID)
	if idx < 0 {
		return false
	}
	f.messages = append(f.messages[:idx], f.messages[idx+1:]...)
	return true
}

// View returns a copy of the feed in display order.
func (f *Feed) View() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// Len returns the number of messages in the feed.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// Pending returns how many local messages await their server echo.
func (f *Feed) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// confirm merges the server copy into the local entry at idx. Caller holds mu.
func (f *Feed) confirm(idx int, server Message) {
	local := &f.messages[idx]
	if !f.removePending(local.CorrelationID) {
		return
	}
	if server.ID != 0 {
		local.ID = server.ID
		f.ids[server.ID] = struct{}{}
	}
	if !server.CreatedAt.IsZero() {
		local.CreatedAt = server.CreatedAt
	}
	if local.SenderName == "" {
		local.SenderName = server.SenderName
	}
}

func (f *Feed) indexByCorrelation(cid string) int {
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].CorrelationID == cid {
			return i
		}
	}
	return -1
}

func (f *Feed) removePending(cid string) bool {
	for i, p := range f.pending {
		if p == cid {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}
