// Package client maintains a resilient one-way subscription to the broadcast
// hub for a single room: it tracks the connection lifecycle, reconnects with
// exponential backoff, and exposes the latest room snapshot to its consumer.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/hub"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"  // connected frame received
	StateReady        State = "ready" // connection_ready received; safe to rely on
	StateFailed       State = "failed"
)

var ErrRetriesExhausted = errors.New("subscription retries exhausted")

type Config struct {
	BaseURL string
	RoomID  string

	MaxRetries   int           // default 5
	BackoffMin   time.Duration // default 250ms, doubles per attempt
	BackoffMax   time.Duration // default 10s cap
	ReadyTimeout time.Duration // handshake budget, default 5s

	HTTPClient *http.Client

	OnState func(State)
	OnRoom  func(*domain.Room)
}

func (c *Config) defaults() error {
	if c.BaseURL == "" || c.RoomID == "" {
		return fmt.Errorf("subscription client: base url and room id are required")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

type Client struct {
	cfg  Config
	boff *backoff.Backoff

	mu           sync.Mutex
	state        State
	connectionID string
	room         *domain.Room
	retries      int
	lastErr      error
	stopped      bool
	cancelStream context.CancelFunc

	stopC chan struct{}
	done  chan struct{}
}

func New(cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		boff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
		},
		state: StateDisconnected,
		stopC: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Room returns the latest snapshot received, or nil.
func (c *Client) Room() *domain.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room.Clone()
}

// Err returns the error that drove the client into StateFailed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed once the client stops for good (disconnected or failed).
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect starts the subscription loop. It returns immediately; lifecycle is
// observed via OnState/OnRoom and Done.
func (c *Client) Connect(ctx context.Context) {
	go c.run(ctx)
}

// Disconnect cancels any pending retry and closes the stream. No further
// reconnect attempts are made.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancelStream
	c.mu.Unlock()

	close(c.stopC)
	if cancel != nil {
		cancel()
	}
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		if c.isStopped() {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		err := c.stream(ctx)

		if c.isStopped() || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.mu.Lock()
		c.retries++
		attempt := c.retries
		c.lastErr = err
		c.mu.Unlock()

		if attempt > c.cfg.MaxRetries {
			c.mu.Lock()
			c.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			c.mu.Unlock()
			slog.Error("subscription failed permanently",
				"room", c.cfg.RoomID, "attempts", attempt-1, "err", err)
			c.setState(StateFailed)
			return
		}

		delay := c.boff.Duration()
		slog.Warn("subscription lost, reconnecting",
			"room", c.cfg.RoomID, "attempt", attempt, "delay", delay.String(), "err", err)
		c.setState(StateDisconnected)

		select {
		case <-time.After(delay):
		case <-c.stopC:
			c.setState(StateDisconnected)
			return
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		}
	}
}

// stream opens the push stream and consumes frames until it breaks. A
// handshake that does not reach ready within ReadyTimeout is torn down so a
// stalled connection is retried instead of hanging invisibly.
func (c *Client) stream(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancelStream = cancel
	c.mu.Unlock()

	url := fmt.Sprintf("%s/rooms/%s/events", c.cfg.BaseURL, c.cfg.RoomID)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe: unexpected status %s", resp.Status)
	}

	watchdog := time.AfterFunc(c.cfg.ReadyTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 { // frame boundary
			if data.Len() > 0 {
				c.handleFrame(data.Bytes(), watchdog)
				data.Reset()
			}
			continue
		}
		if line[0] == ':' { // keep-alive comment
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data.Write(bytes.TrimSpace(rest))
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

func (c *Client) handleFrame(raw []byte, watchdog *time.Timer) {
	var f hub.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Debug("malformed frame ignored", "room", c.cfg.RoomID, "err", err)
		return
	}

	switch f.Type {
	case hub.FrameConnected:
		c.mu.Lock()
		c.connectionID = f.ConnectionID
		c.mu.Unlock()
		c.setState(StateOpen)

	case hub.FrameConnectionReady:
		watchdog.Stop()
		c.mu.Lock()
		c.retries = 0
		c.mu.Unlock()
		c.boff.Reset()
		c.setState(StateReady)

	case hub.FrameRoomStateChanged:
		if f.Data == nil {
			return
		}
		c.mu.Lock()
		c.room = f.Data
		cb := c.cfg.OnRoom
		c.mu.Unlock()
		if cb != nil {
			cb(f.Data.Clone())
		}

	case hub.FrameError:
		slog.Warn("hub error frame", "room", c.cfg.RoomID, "message", f.Message)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.cfg.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// BroadcastRoomUpdate pushes a snapshot through the hub's publish entry
// point. Fire-and-forget: a failure is reported but never blocks or rolls
// back the local mutation that preceded it.
func (c *Client) BroadcastRoomUpdate(ctx context.Context, room *domain.Room) error {
	body, err := json.Marshal(map[string]any{
		"roomId":   room.ID,
		"roomData": room,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/rooms/%s/broadcast", c.cfg.BaseURL, room.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		slog.Warn("broadcast room update failed", "room", room.ID, "err", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("broadcast: unexpected status %s", resp.Status)
		slog.Warn("broadcast room update rejected", "room", room.ID, "status", resp.Status)
		return err
	}
	return nil
}
