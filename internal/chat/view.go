package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/marketchat/internal/utils"
)

// ViewState is the lifecycle state of a chat view.
type ViewState int

const (
	ViewInit ViewState = iota
	ViewResolvingRoom
	ViewLoadingHistory
	ViewConnecting
	ViewReady
	ViewReconnecting
	ViewClosed
	ViewError
)

func (s ViewState) String() string {
	switch s {
	case ViewInit:
		return "init"
	case ViewResolvingRoom:
		return "resolving_room"
	case ViewLoadingHistory:
		return "loading_history"
	case ViewConnecting:
		return "connecting"
	case ViewReady:
		return "ready"
	case ViewReconnecting:
		return "reconnecting"
	case ViewClosed:
		return "closed"
	case ViewError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultPageSize is the number of history messages loaded per page.
const DefaultPageSize = 20

var errReconnectExhausted = errors.New("reconnect attempts exhausted")

// Target selects the conversation to mount. A non-zero RoomID skips room
// resolution; otherwise SellerID is paired with the signed-in user.
type Target struct {
	RoomID    int64
	SellerID  int64
	ListingID int64
}

// Status is a snapshot of the view for the host.
type Status struct {
	State  ViewState
	RoomID int64
	// Err is the error that moved the view to ViewError.
	Err error
	// Notice is the latest user-facing message, fatal or not.
	Notice *Notice
}

// Entry is a feed message classified for presentation.
type Entry struct {
	Message
	Self bool
}

// ViewConfig wires a View to its collaborators.
type ViewConfig struct {
	Identity Identity
	Resolver RoomResolver
	History  HistorySource
	Dialer   Dialer
	Listings ListingSource // optional

	PageSize int
	Logger   *zerolog.Logger

	// OnChange is called after every status change.
	OnChange func(Status)
	// OnMessage is called for each message added to the feed, live or sent.
	OnMessage func(Message)

	Clock            func() time.Time
	NewCorrelationID func() string
}

// View orchestrates one chat session: resolve the room, load history, open
// the transport and keep the feed current until Unmount.
type View struct {
	cfg    ViewConfig
	logger *zerolog.Logger

	mu        sync.Mutex
	state     ViewState
	roomID    int64
	err       error
	notice    *Notice
	feed      *Feed
	transport Transport
	listing   *Listing
	paged     bool
	mounted   bool
	gen       uint64
	cancel    context.CancelFunc
	changed   chan struct{}
}

// NewView creates a view in ViewInit.
func NewView(cfg ViewConfig) (*View, error) {
	if cfg.Identity == nil || cfg.History == nil || cfg.Dialer == nil {
		return nil, errors.New("chat view requires identity, history and dialer")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = utils.NewID
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &View{
		cfg:     cfg,
		logger:  logger,
		state:   ViewInit,
		changed: make(chan struct{}),
	}, nil
}

// Mount runs the mount sequence. It returns once the transport has been
// opened; use WaitReady to wait for the connection. Failures move the view to
// ViewError and are returned. If Unmount is called meanwhile, late results
// are discarded and ErrUnmounted is returned.
func (v *View) Mount(ctx context.Context, target Target) error {
	v.mu.Lock()
	if v.state == ViewClosed {
		v.mu.Unlock()
		return ErrUnmounted
	}
	if v.mounted {
		v.mu.Unlock()
		return ErrAlreadyMounted
	}
	v.mounted = true
	v.gen++
	gen := v.gen
	mctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()
	defer cancel()

	me := v.cfg.Identity.UserID()
	roomID := target.RoomID

	if roomID == 0 {
		if !v.advance(gen, ViewResolvingRoom, 0) {
			return ErrUnmounted
		}
		if v.cfg.Resolver == nil {
			return v.fail(gen, &RoomResolutionError{BuyerID: me, SellerID: target.SellerID, Err: errors.New("no resolver configured")})
		}
		id, err := v.cfg.Resolver.Resolve(mctx, me, target.SellerID)
		if !v.current(gen) {
			return ErrUnmounted
		}
		if err != nil {
			return v.fail(gen, err)
		}
		roomID = id
	}

	feed := NewFeed(roomID, me, v.cfg.History)
	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		return ErrUnmounted
	}
	v.feed = feed
	v.mu.Unlock()

	if !v.advance(gen, ViewLoadingHistory, roomID) {
		return ErrUnmounted
	}
	log := v.logger.With().Int64("room_id", roomID).Logger()

	if v.cfg.Listings != nil && target.ListingID != 0 {
		listing, err := v.cfg.Listings.Listing(mctx, target.ListingID)
		if !v.current(gen) {
			return ErrUnmounted
		}
		if err != nil {
			log.Warn().Err(err).Int64("listing_id", target.ListingID).Msg("listing header unavailable")
		} else {
			v.mu.Lock()
			v.listing = &listing
			v.mu.Unlock()
		}
	}

	if _, err := feed.LoadHistory(mctx, 0, v.cfg.PageSize); err != nil {
		if !v.current(gen) {
			return ErrUnmounted
		}
		return v.fail(gen, err)
	}
	if !v.advance(gen, ViewConnecting, roomID) {
		return ErrUnmounted
	}
	v.mu.Lock()
	v.paged = true
	v.mu.Unlock()

	tr, err := v.cfg.Dialer.Open(mctx, roomID, v.cfg.Identity.AccessToken(), v.onConnState(gen))
	if err != nil {
		if !v.current(gen) {
			return ErrUnmounted
		}
		return v.fail(gen, &TransportError{Op: "open", Err: err})
	}

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		_ = tr.Close()
		return ErrUnmounted
	}
	v.transport = tr
	v.mu.Unlock()

	tr.Subscribe(v.onMessage(gen, feed))
	log.Debug().Int("history", feed.Len()).Msg("chat mounted")
	return nil
}

// Send publishes text to the room and appends it to the feed optimistically.
func (v *View) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	v.mu.Lock()
	tr := v.transport
	feed := v.feed
	roomID := v.roomID
	v.mu.Unlock()

	if tr == nil || feed == nil || tr.State() != ConnOpen {
		v.setNotice(ErrNotConnected)
		return ErrNotConnected
	}

	out := Outgoing{
		RoomID:        roomID,
		SenderID:      v.cfg.Identity.UserID(),
		SenderName:    v.cfg.Identity.UserName(),
		Content:       text,
		CorrelationID: v.cfg.NewCorrelationID(),
	}
	local := feed.AppendLocal(out, v.cfg.Clock())

	if err := tr.Publish(ctx, out); err != nil {
		feed.Retract(out.CorrelationID)
		v.setNotice(err)
		return err
	}

	if v.cfg.OnMessage != nil {
		v.cfg.OnMessage(local)
	}
	return nil
}

// LoadOlder fetches messages older than the feed's oldest and prefixes them.
// It returns the number of messages added; zero means the history is
// exhausted.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	state, feed, paged := v.state, v.feed, v.paged
	v.mu.Unlock()

	if state == ViewClosed {
		return 0, ErrUnmounted
	}
	if feed == nil || !paged {
		return 0, ErrNotConnected
	}

	added, err := feed.LoadOlder(ctx, v.cfg.PageSize)
	if err != nil {
		v.setNotice(err)
		return 0, err
	}
	return len(added), nil
}

// Unmount cancels any in-flight mount step and closes the transport. It is
// safe to call at any time and more than once.
func (v *View) Unmount() {
	v.mu.Lock()
	if v.state == ViewClosed {
		v.mu.Unlock()
		return
	}
	v.gen++
	if v.cancel != nil {
		v.cancel()
	}
	tr := v.transport
	v.transport = nil
	v.setStateLocked(ViewClosed)
	st := v.statusLocked()
	v.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			v.logger.Debug().Err(err).Msg("transport close")
		}
	}
	v.emit(st)
}

// WaitReady blocks until the view is ready, fails, is unmounted, or ctx ends.
func (v *View) WaitReady(ctx context.Context) error {
	for {
		v.mu.Lock()
		state, err, ch := v.state, v.err, v.changed
		v.mu.Unlock()

		switch state {
		case ViewReady:
			return nil
		case ViewError:
			return err
		case ViewClosed:
			return ErrUnmounted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Status returns the current status.
func (v *View) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusLocked()
}

// Messages returns the feed in display order.
func (v *View) Messages() []Message {
	v.mu.Lock()
	feed := v.feed
	v.mu.Unlock()
	if feed == nil {
		return nil
	}
	return feed.View()
}

// Entries returns the feed with each message classified as self or other.
func (v *View) Entries() []Entry {
	msgs := v.Messages()
	me := v.cfg.Identity.UserID()
	out := make([]Entry, len(msgs))
	for i, m := range msgs {
		out[i] = Entry{Message: m, Self: m.IsFrom(me)}
	}
	return out
}

// Listing returns the listing header, if one was loaded.
func (v *View) Listing() (Listing, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listing == nil {
		return Listing{}, false
	}
	return *v.listing, true
}

func (v *View) onConnState(gen uint64) func(ConnState) {
	return func(s ConnState) {
		v.mu.Lock()
		if v.gen != gen || v.state == ViewClosed || v.state == ViewError {
			v.mu.Unlock()
			return
		}

		switch s {
		case ConnOpen:
			if v.notice != nil && v.notice.Code == NoticeCodeNotConnected {
				v.notice = nil
			}
			v.setStateLocked(ViewReady)
		case ConnReconnecting:
			v.setStateLocked(ViewReconnecting)
		case ConnFailed:
			v.err = &TransportError{Op: "connect", Err: errReconnectExhausted}
			v.notice = NoticeFor(v.err)
			v.setStateLocked(ViewError)
		default:
			v.mu.Unlock()
			return
		}
		st := v.statusLocked()
		v.mu.Unlock()

		v.logger.Debug().Int64("room_id", st.RoomID).Str("state", st.State.String()).Str("conn", s.String()).Msg("connection state")
		v.emit(st)
	}
}

func (v *View) onMessage(gen uint64, feed *Feed) func(Message) {
	return func(m Message) {
		if !v.current(gen) {
			return
		}
		if feed.Append(m) && v.cfg.OnMessage != nil {
			v.cfg.OnMessage(m)
		}
	}
}

// advance moves to state if gen is still the active mount.
func (v *View) advance(gen uint64, state ViewState, roomID int64) bool {
	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		return false
	}
	if roomID != 0 {
		v.roomID = roomID
	}
	v.setStateLocked(state)
	st := v.statusLocked()
	v.mu.Unlock()

	v.emit(st)
	return true
}

func (v *View) fail(gen uint64, err error) error {
	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		return ErrUnmounted
	}
	v.err = err
	v.notice = NoticeFor(err)
	v.setStateLocked(ViewError)
	st := v.statusLocked()
	v.mu.Unlock()

	v.logger.Warn().Err(err).Int64("room_id", st.RoomID).Msg("chat view failed")
	v.emit(st)
	return err
}

func (v *View) setNotice(err error) {
	v.mu.Lock()
	v.notice = NoticeFor(err)
	st := v.statusLocked()
	v.mu.Unlock()
	v.emit(st)
}

func (v *View) current(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen == gen
}

// setStateLocked records the new state and wakes WaitReady callers.
func (v *View) setStateLocked(state ViewState) {
	v.state = state
	close(v.changed)
	v.changed = make(chan struct{})
}

func (v *View) statusLocked() Status {
	return Status{State: v.state, RoomID: v.roomID, Err: v.err, Notice: v.notice}
}

func (v *View) emit(st Status) {
	if v.cfg.OnChange != nil {
		v.cfg.OnChange(st)
	}
}
