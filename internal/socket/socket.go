// Package socket maintains one authenticated websocket connection to a named
// event channel of the quest backend, with a fixed reconnection budget.
//
// Frames are JSON text messages of the form
//
//	{"event": "subscribe-to-session", "id": "<uuid>", "data": {...}}
//
// Failures never cross the API as errors once Dial has been called. They are
// delivered through Options.OnError.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrNoToken      = errors.New("missing access token")
	ErrTokenExpired = errors.New("access token expired")
	ErrUnauthorized = errors.New("handshake rejected")
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second

	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the raw data of one frame.
type Handler func(data json.RawMessage)

type Options struct {
	// URL is the full ws:// or wss:// address of the channel.
	URL string
	// Token is consulted before every connection attempt so a refreshed
	// token is picked up on reconnect.
	Token func() string

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger

	OnConnect    func()
	OnDisconnect func()
	OnError      func(message string)
}

// Conn is a self-healing connection. Create it with New, register handlers
// with On, then call Dial.
type Conn struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	ws       *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	connected atomic.Bool
}

func New(opts Options) *Conn {
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	} else if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}
	return &Conn{
		opts:     opts,
		logger:   opts.Logger.With("channel", opts.URL),
		handlers: make(map[string][]Handler),
	}
}

// On registers h for frames named event. Handlers run one at a time on the
// connection's read goroutine, in arrival order.
func (c *Conn) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Dial starts connecting in the background and returns immediately. It is a
// no-op on a closed or already dialed Conn.
func (c *Conn) Dial(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Emit sends one frame if the connection is currently up. It reports whether
// the frame was written; nothing is queued.
func (c *Conn) Emit(event string, payload any) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encoding frame", "event", event, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	frame := Frame{Event: event, ID: uuid.NewString(), Data: data}
	if err := wsjson.Write(ctx, ws, frame); err != nil {
		c.logger.Debug("websocket write failed", "event", event, "error", err)
		return false
	}
	return true
}

// Close shuts the connection down and waits for the background goroutine to
// exit. It is safe to call more than once and before Dial.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws, cancel, done := c.ws, c.cancel, c.done
	c.mu.Unlock()

	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	// attempt counts reconnection tries since the last successful handshake.
	attempt := 0
	for {
		ws, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.reportError(err.Error())
			if isAuthError(err) {
				return
			}
			if attempt >= c.opts.ReconnectAttempts {
				c.logger.Error("websocket reconnect failed", "attempts", attempt)
				c.reportError("reconnect failed")
				return
			}
			attempt++
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		attempt = 0
		c.setConn(ws)
		c.logger.Debug("websocket connected")
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}

		err = c.readLoop(ctx, ws)

		c.setConn(nil)
		ws.CloseNow()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect()
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Debug("websocket disconnected", "error", err)

		if attempt >= c.opts.ReconnectAttempts {
			c.reportError("reconnect failed")
			return
		}
		attempt++
		if !c.sleep(ctx) {
			return
		}
	}
}

func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	token := c.opts.Token()
	if err := CheckToken(token, c.opts.Clock.Now()); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("connect error: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, msg, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Event == "" {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		c.mu.Lock()
		hs := c.handlers[frame.Event]
		c.mu.Unlock()
		for _, h := range hs {
			h(frame.Data)
		}
	}
}

func (c *Conn) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.connected.Store(ws != nil)
}

func (c *Conn) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.opts.Clock.After(c.opts.ReconnectDelay):
		return true
	}
}

func (c *Conn) reportError(msg string) {
	c.logger.Warn("websocket error", "error", msg)
	if c.opts.OnError != nil {
		c.opts.OnError(msg)
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrNoToken) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrUnauthorized)
}

// CheckToken rejects tokens that cannot possibly authenticate: empty ones,
// and JWTs whose exp claim is already in the past. Opaque tokens pass.
func CheckToken(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(now) {
		return ErrTokenExpired
	}
	return nil
}

// ChannelURL turns an http(s) API base into the ws(s) address of path.
func ChannelURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing api url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}
