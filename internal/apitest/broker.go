package apitest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/marketchat/internal/proto"
)

var (
	errRevoked  = errors.New("token revoked")
	errRejected = errors.New("connect rejected")
)

// Subprotocols are the STOMP versions the broker negotiates.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const writeTimeout = 5 * time.Second

// BrokerOptions wires a Broker. Validate checks the bearer token of a
// CONNECT frame; Record turns a publish into the delivered message.
type BrokerOptions struct {
	Validate func(token string) error
	Record   func(proto.ChatPublish) wireMessage

	SubscribePrefix    string
	PublishDestination string
	Logger             *zerolog.Logger
}

// Broker is a minimal STOMP broker over WebSocket. It fans SEND frames on the
// publish destination out to subscribers of the room destination.
type Broker struct {
	opts   BrokerOptions
	logger *zerolog.Logger

	mu               sync.Mutex
	conns            map[*brokerConn]struct{}
	published        []proto.ChatPublish
	connects         int
	rejectConnect    bool
	stripCorrelation bool
	nextID           int64
	nextFrame        int64
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	// subs maps subscription id to destination. Guarded by Broker.mu.
	subs map[string]string
}

// NewBroker creates a broker. A zero Validate accepts every token and a zero
// Record numbers messages itself.
func NewBroker(opts BrokerOptions) *Broker {
	if opts.SubscribePrefix == "" {
		opts.SubscribePrefix = proto.DefaultSubscribePrefix
	}
	if opts.PublishDestination == "" {
		opts.PublishDestination = proto.DefaultPublishDestination
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	b := &Broker{opts: opts, logger: logger, conns: make(map[*brokerConn]struct{})}
	if b.opts.Record == nil {
		b.opts.Record = b.recordLocal
	}
	return b
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       Subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("ws accept error")
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &brokerConn{ws: ws, subs: make(map[string]string)}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
	}()

	err = b.readLoop(ctx, conn)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		ws.Close(websocket.StatusNormalClosure, "closing")
	case errors.Is(err, errRejected):
		ws.Close(websocket.StatusPolicyViolation, "unauthorized")
	default:
		if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
			return
		}
		b.logger.Debug().Err(err).Msg("broker connection closed with error")
	}
}

func (b *Broker) readLoop(ctx context.Context, conn *brokerConn) error {
	reader := frame.NewReader(websocket.NetConn(ctx, conn.ws, websocket.MessageText))
	connected := false
	for {
		f, err := reader.Read()
		if err != nil {
			return err
		}
		if f == nil {
			continue // heart-beat
		}

		if !connected {
			if f.Command != frame.CONNECT && f.Command != frame.STOMP {
				b.sendError(ctx, conn, "expected CONNECT")
				return errRejected
			}
			if err := b.accept(f); err != nil {
				b.logger.Debug().Err(err).Msg("connect refused")
				b.sendError(ctx, conn, "unauthorized")
				return errRejected
			}
			connected = true
			if err := b.write(ctx, conn, frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, "0,0",
				frame.Server, "apitest",
			)); err != nil {
				return err
			}
			continue
		}

		switch f.Command {
		case frame.SUBSCRIBE:
			b.mu.Lock()
			conn.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			b.mu.Unlock()
		case frame.UNSUBSCRIBE:
			b.mu.Lock()
			delete(conn.subs, f.Header.Get(frame.Id))
			b.mu.Unlock()
		case frame.SEND:
			if err := b.handleSend(ctx, conn, f); err != nil {
				return err
			}
		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				_ = b.write(ctx, conn, frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
			}
			return nil
		default:
			b.logger.Debug().Str("command", f.Command).Msg("ignoring frame")
		}
	}
}

func (b *Broker) accept(f *frame.Frame) error {
	b.mu.Lock()
	b.connects++
	reject := b.rejectConnect
	b.mu.Unlock()
	if reject {
		return errRejected
	}
	if b.opts.Validate == nil {
		return nil
	}
	token := strings.TrimPrefix(f.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return errors.New("missing bearer token")
	}
	return b.opts.Validate(token)
}

func (b *Broker) handleSend(ctx context.Context, conn *brokerConn, f *frame.Frame) error {
	dest := f.Header.Get(frame.Destination)
	if dest != b.opts.PublishDestination {
		b.logger.Debug().Str("destination", dest).Msg("send to unknown destination")
		return nil
	}
	var pub proto.ChatPublish
	if err := json.Unmarshal(f.Body, &pub); err != nil {
		b.sendError(ctx, conn, "malformed message")
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, pub)
	b.mu.Unlock()

	b.deliver(b.opts.Record(pub))

	if receipt := f.Header.Get(frame.Receipt); receipt != "" {
		return b.write(ctx, conn, frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
	}
	return nil
}

// deliver fans msg out to every subscriber of the room destination.
func (b *Broker) deliver(msg wireMessage) {
	b.mu.Lock()
	if b.stripCorrelation {
		msg.ClientMessageID = ""
	}
	dest := b.opts.SubscribePrefix + strconv.FormatInt(msg.RoomID, 10)
	type target struct {
		conn *brokerConn
		sub  string
	}
	var targets []target
	for conn := range b.conns {
		for id, d := range conn.subs {
			if d == dest {
				targets = append(targets, target{conn, id})
			}
		}
	}
	b.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode message")
		return
	}
	for _, t := range targets {
		b.mu.Lock()
		b.nextFrame++
		frameID := strconv.FormatInt(b.nextFrame, 10)
		b.mu.Unlock()

		f := frame.New(frame.MESSAGE,
			frame.Destination, dest,
			frame.Subscription, t.sub,
			frame.MessageId, frameID,
			frame.ContentType, proto.ContentTypeJSON,
		)
		f.Body = body
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := b.write(ctx, t.conn, f); err != nil {
			b.logger.Debug().Err(err).Msg("deliver message")
		}
		cancel()
	}
}

// write sends one frame as one WebSocket text message.
func (b *Broker) write(ctx context.Context, conn *brokerConn, f *frame.Frame) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	w, err := conn.ws.Writer(ctx, websocket.MessageText)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *Broker) sendError(ctx context.Context, conn *brokerConn, msg string) {
	f := frame.New(frame.ERROR, frame.Message, msg)
	if err := b.write(ctx, conn, f); err != nil {
		b.logger.Debug().Err(err).Msg("write error frame")
	}
}

func (b *Broker) recordLocal(pub proto.ChatPublish) wireMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return wireMessage{
		ID:              b.nextID,
		RoomID:          pub.RoomID,
		SenderID:        pub.SenderID,
		SenderName:      pub.SenderName,
		Content:         pub.Content,
		CreatedAt:       time.Now().UTC().Format(localLayout),
		ClientMessageID: pub.ClientMessageID,
	}
}

// Publish delivers a message from another participant, as if it had been
// sent through the broker by a different client.
func (b *Broker) Publish(roomID, senderID int64, senderName, content string) {
	pub := proto.ChatPublish{RoomID: roomID, SenderID: senderID, SenderName: senderName, Content: content}
	b.deliver(b.opts.Record(pub))
}

// DropConnections closes every connection abruptly, without a close frame.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.ws.CloseNow()
	}
}

// SetRejectConnect makes subsequent CONNECT frames fail.
func (b *Broker) SetRejectConnect(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectConnect = reject
}

// SetStripCorrelation drops clientMessageId from delivered messages.
func (b *Broker) SetStripCorrelation(strip bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stripCorrelation = strip
}

// Connects counts CONNECT frames received, accepted or not.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Published returns the bodies of every accepted SEND frame.
func (b *Broker) Published() []proto.ChatPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]proto.ChatPublish, len(b.published))
	copy(out, b.published)
	return out
}

// Subscribers counts subscriptions to a room.
func (b *Broker) Subscribers(roomID int64) int {
	dest := b.opts.SubscribePrefix + strconv.FormatInt(roomID, 10)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for conn := range b.conns {
		for _, d := range conn.subs {
			if d == dest {
				n++
			}
		}
	}
	return n
}

// WaitSubscribers blocks until a room has at least n subscriptions.
func (b *Broker) WaitSubscribers(ctx context.Context, roomID int64, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.Subscribers(roomID) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
