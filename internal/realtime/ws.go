package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrGaveUp is returned by Run when the reconnect budget is exhausted.
var ErrGaveUp = errors.New("realtime: reconnect attempts exhausted")

// WSConfig configures a websocket transport.
type WSConfig struct {
	URL               string
	Token             string
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int // zero retries forever
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
}

func (c *WSConfig) defaults() {
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// WSTransport is a Transport over a websocket that reconnects with
// exponential backoff and resubscribes every channel after each reconnect.
type WSTransport struct {
	cfg     WSConfig
	machine *status.Machine
	logger  *zap.Logger

	mu      sync.Mutex
	desired map[string]bool
	notify  chan struct{}

	out chan Envelope
}

// NewWSTransport creates a transport. Call Run to connect.
func NewWSTransport(cfg WSConfig, machine *status.Machine, logger *zap.Logger) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		cfg:     cfg,
		machine: machine,
		logger:  logging.OrNop(logger),
		desired: make(map[string]bool),
		notify:  make(chan struct{}, 1),
		out:     make(chan Envelope, 256),
	}
}

func (t *WSTransport) Subscribe(channel string) {
	t.mu.Lock()
	t.desired[channel] = true
	t.mu.Unlock()
	t.signal()
}

func (t *WSTransport) Unsubscribe(channel string) {
	t.mu.Lock()
	delete(t.desired, channel)
	t.mu.Unlock()
	t.signal()
}

func (t *WSTransport) Envelopes() <-chan Envelope { return t.out }

// signal wakes the writer without blocking. Multiple calls coalesce.
func (t *WSTransport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *WSTransport) transition(to status.State) {
	if t.machine == nil {
		return
	}
	if err := t.machine.Transition(to); err != nil {
		t.logger.Debug("status transition skipped", zap.Error(err))
	}
}

// Run connects and keeps the connection alive until ctx is done or the
// reconnect budget runs out. It closes the envelope channel on return.
func (t *WSTransport) Run(ctx context.Context) error {
	defer close(t.out)
	recon := &reconnector{
		baseDelay:   t.cfg.ReconnectBase,
		maxDelay:    t.cfg.ReconnectMax,
		maxAttempts: t.cfg.MaxAttempts,
	}

	for {
		t.transition(status.Connecting)
		conn, err := t.dial(ctx)
		if err == nil {
			t.transition(status.Live)
			recon.markConnected()
			t.logger.Info("realtime connected", zap.String("url", t.cfg.URL))
			err = t.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			t.transition(status.Closed)
			return nil
		}
		t.logger.Warn("realtime connection lost", zap.Error(err))

		t.transition(status.Reconnecting)
		recon.settle()
		if !recon.shouldReconnect() {
			t.transition(status.Failed)
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}
		delay := recon.nextDelay()
		t.logger.Info("realtime reconnecting", zap.Int("attempt", recon.attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			t.transition(status.Closed)
			return nil
		case <-time.After(delay):
		}
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: t.cfg.HTTPClient}
	if t.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, t.cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// serve pumps one connection until it breaks. The subscription set sent on
// this connection starts empty so every desired channel is resubscribed.
// The read loop is joined before serve returns, so nothing sends on the
// envelope channel once Run closes it.
func (t *WSTransport) serve(ctx context.Context, conn *websocket.Conn) error {
	var reader sync.WaitGroup
	defer reader.Wait()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	errc := make(chan error, 1)
	reader.Add(1)
	go func() {
		defer reader.Done()
		t.readLoop(connCtx, conn, errc)
	}()

	sent := make(map[string]bool)
	if err := t.syncSubscriptions(connCtx, conn, sent); err != nil {
		return err
	}

	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-connCtx.Done():
			return connCtx.Err()
		case err := <-errc:
			return err
		case <-t.notify:
			if err := t.syncSubscriptions(connCtx, conn, sent); err != nil {
				return err
			}
		case <-heartbeat.C:
			pingCtx, pingCancel := context.WithTimeout(connCtx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, errc chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			errc <- fmt.Errorf("read: %w", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		select {
		case t.out <- env:
		case <-ctx.Done():
			return
		}
	}
}

// syncSubscriptions sends the difference between the desired channel set
// and what this connection has already been told.
func (t *WSTransport) syncSubscriptions(ctx context.Context, conn *websocket.Conn, sent map[string]bool) error {
	t.mu.Lock()
	var cmds []Command
	for ch := range t.desired {
		if !sent[ch] {
			cmds = append(cmds, Command{Type: "subscribe", Channel: ch})
		}
	}
	for ch := range sent {
		if !t.desired[ch] {
			cmds = append(cmds, Command{Type: "unsubscribe", Channel: ch})
		}
	}
	t.mu.Unlock()

	for _, cmd := range cmds {
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("write %s: %w", cmd.Type, err)
		}
		if cmd.Type == "subscribe" {
			sent[cmd.Channel] = true
		} else {
			delete(sent, cmd.Channel)
		}
	}
	return nil
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// settle restores the full attempt budget after a connection that stayed up
// for over a minute.
func (r *reconnector) settle() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := rand.Float64() * float64(r.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
