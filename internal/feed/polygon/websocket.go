package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantrun/profittaker/internal/feed"
	"github.com/quantrun/profittaker/internal/market"
)

const (
	// DefaultURL is the delayed equities cluster; real-time accounts
	// point at wss://socket.polygon.io/stocks instead.
	DefaultURL = "wss://delayed.polygon.io/stocks"

	handshakeTimeout = 30 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Client streams minute aggregates (the AM.* channel) for a fixed set
// of symbols and pushes each one into the shared bar channel. The
// symbol set is fixed at session start; positions opened mid-session
// are out of scope for the feed.
type Client struct {
	url     string
	apiKey  string
	symbols []string
	out     chan<- feed.Bar

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	reconnectCh chan struct{}
}

// NewClient creates a Polygon aggregate client. Bars are delivered on
// out; the channel is never closed by the client.
func NewClient(url, apiKey string, symbols []string, out chan<- feed.Bar) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:         url,
		apiKey:      apiKey,
		symbols:     symbols,
		out:         out,
		reconnectCh: make(chan struct{}, 1),
	}
}

// Run connects and keeps the stream alive until ctx is cancelled,
// reconnecting with capped exponential backoff. The poller covers the
// gap while the socket is down, so a dropped stream degrades cadence
// rather than correctness.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBase
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("Polygon connect failed")
		} else {
			backoff = reconnectBase
			c.messageLoop(ctx)
			c.teardown()
			if ctx.Err() != nil {
				return
			}
			log.Warn().Dur("retry_in", backoff).Msg("Polygon stream dropped, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// IsConnected reports whether the stream is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	log.Info().Str("url", c.url).Strs("symbols", c.symbols).Msg("Connecting to Polygon stream")

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("polygon dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// Auth first; the subscribe is sent from the message loop once the
	// server confirms auth_success.
	if err := c.send(controlMessage{Action: "auth", Params: c.apiKey}); err != nil {
		c.teardown()
		return fmt.Errorf("polygon auth: %w", err)
	}

	go c.pingLoop(ctx, conn)
	return nil
}

func (c *Client) subscribe() error {
	channels := make([]string, len(c.symbols))
	for i, sym := range c.symbols {
		channels[i] = "AM." + sym
	}
	return c.send(controlMessage{Action: "subscribe", Params: strings.Join(channels, ",")})
}

// controlMessage is the auth/subscribe envelope Polygon expects.
type controlMessage struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// event is one element of the JSON arrays Polygon sends. Status and
// aggregate events share the envelope and are told apart by Ev.
type event struct {
	Ev      string  `json:"ev"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Sym     string  `json:"sym"`
	Open    float64 `json:"o"`
	High    float64 `json:"h"`
	Low     float64 `json:"l"`
	Close   float64 `json:"c"`
	Volume  float64 `json:"v"`
	Start   int64   `json:"s"`
	End     int64   `json:"e"`
}

func (c *Client) messageLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Polygon read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var events []event
		if err := json.Unmarshal(data, &events); err != nil {
			log.Error().Err(err).Msg("Unparseable Polygon message")
			continue
		}

		for _, ev := range events {
			switch ev.Ev {
			case "status":
				if err := c.handleStatus(ev); err != nil {
					log.Error().Err(err).Msg("Polygon stream rejected")
					return
				}
			case "AM":
				c.emit(ctx, ev)
			}
		}
	}
}

func (c *Client) handleStatus(ev event) error {
	switch ev.Status {
	case "auth_success":
		log.Info().Msg("Polygon authenticated")
		return c.subscribe()
	case "auth_failed":
		return fmt.Errorf("auth failed: %s", ev.Message)
	case "success":
		log.Debug().Str("message", ev.Message).Msg("Polygon subscription confirmed")
	default:
		log.Debug().Str("status", ev.Status).Str("message", ev.Message).Msg("Polygon status")
	}
	return nil
}

func (c *Client) emit(ctx context.Context, ev event) {
	bar := feed.Bar{
		Symbol: ev.Sym,
		Sample: market.Sample{
			Time:   time.UnixMilli(ev.End).UTC(),
			Open:   ev.Open,
			High:   ev.High,
			Low:    ev.Low,
			Close:  ev.Close,
			Volume: ev.Volume,
		},
		Source:   feed.SourceWebsocket,
		Received: time.Now().UTC(),
	}
	select {
	case c.out <- bar:
	case <-ctx.Done():
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(conn); err != nil {
				if err != errConnReplaced {
					log.Warn().Err(err).Msg("Polygon ping failed")
					conn.Close()
				}
				return
			}
		}
	}
}

var errConnReplaced = fmt.Errorf("connection replaced")

// ping writes a control frame under the same lock as send, since
// gorilla connections do not allow concurrent writers.
func (c *Client) ping(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn != conn {
		return errConnReplaced
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *Client) send(msg controlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}
