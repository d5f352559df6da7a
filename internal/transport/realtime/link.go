package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/proto"
)

// Subprotocols are the STOMP versions offered during the WebSocket upgrade.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const (
	acceptVersion  = "1.2,1.1,1.0"
	subscriptionID = "sub-0"
	writeTimeout   = 5 * time.Second
	closeTimeout   = time.Second
)

// BrokerError is an ERROR frame sent by the broker.
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body != "" {
		return "broker error: " + e.Message + ": " + e.Body
	}
	return "broker error: " + e.Message
}

// link is one established STOMP session on one WebSocket.
type link struct {
	ws     *websocket.Conn
	nc     net.Conn
	reader *frame.Reader
	logger *zerolog.Logger

	// heartBeat is the negotiated client send interval; zero disables it.
	heartBeat time.Duration
	// readTimeout is how long the server may stay silent; zero disables it.
	readTimeout time.Duration

	writeMu sync.Mutex
	cancel  context.CancelFunc
}

type dialParams struct {
	url       string
	token     string
	heartBeat time.Duration
	timeout   time.Duration
	roomDest  string
	logger    *zerolog.Logger
}

// dial opens the WebSocket, performs the STOMP CONNECT handshake and
// subscribes to the room destination. The link lives until ctx ends or
// close is called.
func dial(ctx context.Context, p dialParams) (*link, error) {
	hctx, hcancel := context.WithTimeout(ctx, p.timeout)
	defer hcancel()

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}
	ws, _, err := websocket.Dial(hctx, p.url, &websocket.DialOptions{
		Subprotocols: Subprotocols,
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}

	lctx, lcancel := context.WithCancel(ctx)
	nc := websocket.NetConn(lctx, ws, websocket.MessageText)
	l := &link{
		ws:     ws,
		nc:     nc,
		reader: frame.NewReader(nc),
		logger: p.logger,
		cancel: lcancel,
	}

	if err := l.handshake(hctx, p); err != nil {
		lcancel()
		ws.CloseNow()
		return nil, err
	}
	return l, nil
}

func (l *link) handshake(ctx context.Context, p dialParams) error {
	host := ""
	if u, err := url.Parse(p.url); err == nil {
		host = u.Hostname()
	}
	hb := strconv.FormatInt(p.heartBeat.Milliseconds(), 10)
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, acceptVersion,
		frame.Host, host,
		frame.HeartBeat, hb+","+hb,
	)
	if p.token != "" {
		connect.Header.Set("Authorization", "Bearer "+p.token)
	}
	if err := l.write(ctx, connect); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = l.nc.SetReadDeadline(deadline)
	}
	f, err := l.next()
	_ = l.nc.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("await CONNECTED: %w", err)
	}
	switch f.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		return &BrokerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
	default:
		return fmt.Errorf("unexpected %s frame during handshake", f.Command)
	}

	l.heartBeat, l.readTimeout = negotiateHeartBeat(p.heartBeat, f.Header.Get(frame.HeartBeat))

	sub := frame.New(frame.SUBSCRIBE,
		frame.Id, subscriptionID,
		frame.Destination, p.roomDest,
		frame.Ack, "auto",
	)
	if err := l.write(ctx, sub); err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}
	return nil
}

// negotiateHeartBeat applies the STOMP heart-beat rules to our wanted
// interval and the server's "cx,cy" header. It returns how often we must
// send and how long the server may stay silent before the link is dead.
func negotiateHeartBeat(want time.Duration, server string) (send, silence time.Duration) {
	sx, sy, ok := parseHeartBeat(server)
	if !ok || want <= 0 {
		return 0, 0
	}
	if sy > 0 {
		send = max(want, sy)
	}
	if sx > 0 {
		silence = 2 * max(want, sx)
	}
	return send, silence
}

func parseHeartBeat(v string) (time.Duration, time.Duration, bool) {
	a, b, found := strings.Cut(strings.TrimSpace(v), ",")
	if !found {
		return 0, 0, false
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0, false
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, true
}

// next returns the next non-heart-beat frame.
func (l *link) next() (*frame.Frame, error) {
	for {
		f, err := l.reader.Read()
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

// write sends f (nil for a heart-beat) as a single WebSocket text message.
func (l *link) write(ctx context.Context, f *frame.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	w, err := l.ws.Writer(ctx, websocket.MessageText)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// serve reads frames until the link fails, delivering room messages to
// deliver. It also drives outgoing heart-beats.
func (l *link) serve(ctx context.Context, roomID int64, deliver func(chat.Message)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if l.heartBeat > 0 {
		go l.beat(ctx)
	}

	for {
		if l.readTimeout > 0 {
			_ = l.nc.SetReadDeadline(time.Now().Add(l.readTimeout))
		}
		f, err := l.reader.Read()
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			var wire proto.ChatMessage
			if err := json.Unmarshal(f.Body, &wire); err != nil {
				l.logger.Warn().Err(err).Str("message_id", f.Header.Get(frame.MessageId)).Msg("drop malformed message")
				continue
			}
			deliver(proto.ToMessage(wire, roomID))
		case frame.ERROR:
			return &BrokerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
		case frame.RECEIPT:
		default:
			l.logger.Debug().Str("command", f.Command).Msg("ignoring frame")
		}
	}
}

func (l *link) beat(ctx context.Context) {
	ticker := time.NewTicker(l.heartBeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.write(ctx, nil); err != nil {
				if !errors.Is(err, context.Canceled) {
					l.logger.Debug().Err(err).Msg("heart-beat")
				}
				return
			}
		}
	}
}

func (l *link) publish(ctx context.Context, dest string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, dest,
		frame.ContentType, proto.ContentTypeJSON,
	)
	f.Body = body
	return l.write(ctx, f)
}

// disconnect sends DISCONNECT and closes the WebSocket normally. The receipt
// is not awaited.
func (l *link) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := l.write(ctx, frame.New(frame.DISCONNECT)); err != nil {
		l.logger.Debug().Err(err).Msg("send DISCONNECT")
	}
	_ = l.ws.Close(websocket.StatusNormalClosure, "bye")
	l.cancel()
}

// drop tears the link down without the STOMP goodbye.
func (l *link) drop() {
	l.cancel()
	_ = l.ws.CloseNow()
}
