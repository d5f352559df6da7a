// Package realtime implements the chat transport: STOMP 1.2 frames carried
// over a WebSocket, one subscription per room, reconnecting with backoff
// when the link drops.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/metrics"
	"github.com/vovakirdan/marketchat/internal/proto"
)

const inboundBuffer = 64

// Options configures a Dialer.
type Options struct {
	URL                string
	SubscribePrefix    string
	PublishDestination string
	HandshakeTimeout   time.Duration
	// HeartBeat is the interval we offer for heart-beats in both directions.
	HeartBeat time.Duration
	// PublishRate limits Publish to this many messages per second. Zero
	// disables the limit.
	PublishRate  float64
	PublishBurst int
	Reconnect    ReconnectPolicy
	// TokenSource, when set, supplies the bearer token for every connect
	// attempt so reconnects pick up refreshed tokens.
	TokenSource func() string

	Logger  *zerolog.Logger
	Metrics *metrics.Transport
}

// Dialer opens room connections. It implements chat.Dialer.
type Dialer struct {
	opts Options
}

var _ chat.Dialer = (*Dialer)(nil)

// NewDialer fills in defaults and returns a Dialer.
func NewDialer(opts Options) *Dialer {
	if opts.SubscribePrefix == "" {
		opts.SubscribePrefix = proto.DefaultSubscribePrefix
	}
	if opts.PublishDestination == "" {
		opts.PublishDestination = proto.DefaultPublishDestination
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = 1
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	opts.Reconnect = opts.Reconnect.withDefaults()
	return &Dialer{opts: opts}
}

// Open starts connecting to roomID in the background and returns at once in
// ConnConnecting. ctx only guards the call itself; the connection lives until
// Close. onState may be nil.
func (d *Dialer) Open(ctx context.Context, roomID int64, token string, onState func(chat.ConnState)) (chat.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.opts.URL == "" {
		return nil, errors.New("realtime url is not configured")
	}
	if roomID <= 0 {
		return nil, errors.New("invalid room id")
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:    d.opts,
		roomID:  roomID,
		token:   token,
		onState: onState,
		logger:  d.opts.Logger.With().Int64("room_id", roomID).Logger(),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		inbound: make(chan chat.Message, inboundBuffer),
	}
	if d.opts.PublishRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(d.opts.PublishRate), d.opts.PublishBurst)
	}

	c.setState(chat.ConnConnecting)
	go c.run()
	return c, nil
}

// Conn is a reconnecting room connection.
type Conn struct {
	opts    Options
	roomID  int64
	token   string
	onState func(chat.ConnState)
	logger  zerolog.Logger
	limiter *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	inbound chan chat.Message
	subOnce sync.Once

	// stateMu serializes state transitions and their callbacks.
	stateMu sync.Mutex

	mu       sync.Mutex
	state    chat.ConnState
	reported bool
	link     *link
	closed   bool
}

func (c *Conn) destination() string {
	return c.opts.SubscribePrefix + strconv.FormatInt(c.roomID, 10)
}

func (c *Conn) currentToken() string {
	if c.opts.TokenSource != nil {
		if t := c.opts.TokenSource(); t != "" {
			return t
		}
	}
	return c.token
}

func (c *Conn) run() {
	defer close(c.done)

	bo := c.opts.Reconnect.newBackOff()
	failures := 0
	for {
		c.opts.Metrics.ConnectAttempt()
		l, err := dial(c.ctx, dialParams{
			url:       c.opts.URL,
			token:     c.currentToken(),
			heartBeat: c.opts.HeartBeat,
			timeout:   c.opts.HandshakeTimeout,
			roomDest:  c.destination(),
			logger:    &c.logger,
		})
		if err == nil {
			if !c.attach(l) {
				l.disconnect()
				return
			}
			bo.Reset()
			failures = 0
			c.opts.Metrics.ConnOpened()
			c.setState(chat.ConnOpen)
			c.logger.Info().Str("destination", c.destination()).Msg("realtime connected")

			err = l.serve(c.ctx, c.roomID, c.deliver)
			c.detach(l)
			c.opts.Metrics.ConnClosed()
			if c.stopping() {
				return
			}
			l.drop()
			c.opts.Metrics.Reconnect()
			c.logger.Warn().Err(err).Msg("realtime connection lost")
		} else {
			if c.stopping() {
				return
			}
			c.opts.Metrics.HandshakeFailed()
			c.logger.Warn().Err(err).Int("failures", failures+1).Msg("realtime connect failed")
		}

		failures++
		if c.opts.Reconnect.exhausted(failures) {
			c.logger.Error().Int("attempts", failures).Msg("realtime reconnect attempts exhausted")
			c.setState(chat.ConnFailed)
			return
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.setState(chat.ConnFailed)
			return
		}
		c.setState(chat.ConnReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Conn) attach(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.link = l
	return true
}

func (c *Conn) detach(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == l {
		c.link = nil
	}
}

func (c *Conn) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) deliver(m chat.Message) {
	c.opts.Metrics.MessageReceived()
	select {
	case c.inbound <- m:
	case <-c.ctx.Done():
	}
}

// setState records s and reports it, skipping repeats. Nothing follows
// ConnClosed.
func (c *Conn) setState(s chat.ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	if c.state == chat.ConnClosed || (c.reported && c.state == s) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.reported = true
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(s)
	}
}

// Subscribe starts delivering room messages to handler. Messages that
// arrived earlier are buffered and delivered first. Only the first handler
// is used.
func (c *Conn) Subscribe(handler func(chat.Message)) {
	if handler == nil {
		return
	}
	c.subOnce.Do(func() {
		go func() {
			for {
				select {
				case <-c.ctx.Done():
					return
				case m := <-c.inbound:
					handler(m)
				}
			}
		}()
	})
}

// Publish sends msg to the room. It fails with chat.ErrNotConnected unless
// the connection is open and with chat.ErrRateLimited when sending too fast.
func (c *Conn) Publish(ctx context.Context, msg chat.Outgoing) error {
	c.mu.Lock()
	l, state := c.link, c.state
	c.mu.Unlock()

	if state != chat.ConnOpen || l == nil {
		c.opts.Metrics.PublishRejectedFor(metrics.ReasonNotConnected)
		return chat.ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.opts.Metrics.PublishRejectedFor(metrics.ReasonRateLimited)
		return chat.ErrRateLimited
	}

	body, err := json.Marshal(proto.FromOutgoing(msg))
	if err != nil {
		return &chat.TransportError{Op: "encode", Err: err}
	}
	if err := l.publish(ctx, c.opts.PublishDestination, body); err != nil {
		c.opts.Metrics.PublishRejectedFor(metrics.ReasonWrite)
		return &chat.TransportError{Op: "publish", Err: err}
	}
	c.opts.Metrics.MessagePublished()
	return nil
}

// State returns the current connection state.
func (c *Conn) State() chat.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection loop has stopped, after Close or after
// reconnect attempts ran out.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close disconnects and stops reconnecting. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	l := c.link
	c.mu.Unlock()

	if l != nil {
		l.disconnect()
	}
	c.cancel()
	<-c.done
	c.setState(chat.ConnClosed)
	c.logger.Debug().Msg("realtime closed")
	return nil
}
