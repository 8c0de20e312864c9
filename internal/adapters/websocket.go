package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

const (
	defaultGeneratePath     = "/ws/generate"
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
	closeWriteTimeout       = time.Second
	eventBufferSize         = 16
)

// ErrConnectionClosed is reported when the service hangs up before sending a result
var ErrConnectionClosed = errors.New("connection closed before result")

// WebsocketOptions configures a WebsocketDialer
type WebsocketOptions struct {
	// BaseURL is the service root, e.g. http://localhost:8000. http(s) is mapped to ws(s).
	BaseURL          string
	Path             string
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
	Logger           zerolog.Logger
}

// WebsocketDialer opens generation channels over gorilla/websocket
type WebsocketDialer struct {
	url       string
	dialer    *websocket.Dialer
	header    http.Header
	readLimit int64
	logger    zerolog.Logger
}

var _ interfaces.Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer creates a dialer for the service's generate endpoint
func NewWebsocketDialer(opts WebsocketOptions) (*WebsocketDialer, error) {
	path := opts.Path
	if path == "" {
		path = defaultGeneratePath
	}
	wsURL, err := WebsocketURL(opts.BaseURL, path)
	if err != nil {
		return nil, err
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	return &WebsocketDialer{
		url: wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		header:    opts.Header,
		readLimit: limit,
		logger:    opts.Logger.With().Str("component", "transport").Logger(),
	}, nil
}

// URL returns the websocket endpoint this dialer connects to
func (d *WebsocketDialer) URL() string {
	return d.url
}

// WebsocketURL joins base and path, switching http to ws and https to wss
func WebsocketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("failed to parse service url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("service url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

// Open starts connecting in the background and returns the channel handle at once
func (d *WebsocketDialer) Open(ctx context.Context, req models.GenerationRequest) (interfaces.Channel, error) {
	payload, err := json.Marshal(req.Normalized())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	ch := &wsChannel{
		url:       d.url,
		dialer:    d.dialer,
		header:    d.header,
		readLimit: d.readLimit,
		events:    make(chan interfaces.Event, eventBufferSize),
		done:      make(chan struct{}),
		cancel:    cancel,
		logger:    d.logger,
	}
	go ch.run(dialCtx, payload)
	return ch, nil
}

// wsChannel is one connection scoped to a single job
type wsChannel struct {
	url       string
	dialer    *websocket.Dialer
	header    http.Header
	readLimit int64
	logger    zerolog.Logger

	events chan interfaces.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    atomic.Bool
	gotResult atomic.Bool
}

func (c *wsChannel) Events() <-chan interfaces.Event {
	return c.events
}

// Close tears the connection down; repeated calls return nil
func (c *wsChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	c.logger.Debug().Str("url", c.url).Msg("channel closed")
	return conn.Close()
}

func (c *wsChannel) run(ctx context.Context, payload []byte) {
	defer close(c.events)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		c.fail(fmt.Errorf("failed to connect: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(c.readLimit)
	c.logger.Debug().Str("url", c.url).Msg("connected, sending request")

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.fail(fmt.Errorf("failed to send request: %w", err))
		conn.Close()
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.gotResult.Load() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = ErrConnectionClosed
				}
				c.fail(err)
			}
			conn.Close()
			return
		}

		ev, ok, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("unclassifiable message")
			c.fail(err)
			conn.Close()
			return
		}
		if !ok {
			c.logger.Debug().RawJSON("message", data).Msg("ignoring unknown message type")
			continue
		}
		if ev.Kind == interfaces.EventResult {
			c.gotResult.Store(true)
		}
		c.emit(ev)
	}
}

// fail reports a transport error unless the channel was closed locally
func (c *wsChannel) fail(err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn().Err(err).Str("url", c.url).Msg("transport error")
	c.emit(interfaces.Event{Kind: interfaces.EventTransportError, Err: err})
}

func (c *wsChannel) emit(ev interfaces.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
