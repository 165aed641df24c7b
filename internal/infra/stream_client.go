package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamHandler supplies the endpoint and consumes frames for a StreamClient.
type StreamHandler interface {
	ID() string
	// URL is called before every dial, so it can resume from the last position.
	URL() string
	// OnMessage returning an error drops the connection and redials.
	OnMessage(ctx context.Context, msg []byte) error
}

// StreamClient keeps a websocket subscription alive: it redials with backoff
// and treats a silent connection as dead after ReadTimeout. Server pings
// extend the deadline.
type StreamClient struct {
	handler StreamHandler
	log     *slog.Logger
	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout time.Duration
	Backoff     Backoff
}

func NewStreamClient(handler StreamHandler, logger *slog.Logger) *StreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{
		handler:     handler,
		log:         logger,
		ReadTimeout: 90 * time.Second,
		Backoff:     DefaultBackoff(),
	}
}

// Start begins the connection loop.
func (c *StreamClient) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Stop terminates the client and waits for the loop to exit.
func (c *StreamClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.close()
	c.wg.Wait()
}

func (c *StreamClient) runLoop(ctx context.Context) {
	defer c.wg.Done()
	retry := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err == nil {
			retry = 0
			err = c.process(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		delay := c.Backoff.Delay(retry)
		c.log.Warn("Stream disconnected", slog.String("id", c.handler.ID()), slog.Any("error", err),
			slog.Int("retry", retry), slog.Duration("delay", delay))
		retry++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *StreamClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", AppName)

	url := c.handler.URL()
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("Stream connected", slog.String("id", c.handler.ID()), slog.String("url", url))
	return conn, nil
}

func (c *StreamClient) process(ctx context.Context, conn *websocket.Conn) error {
	defer c.close()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.ReadTimeout)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.handler.OnMessage(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *StreamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
