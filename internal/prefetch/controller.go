// Package prefetch warms the local store for conversations the user is
// likely to open next. All work runs in the background at lower priority
// than foreground reads and can be abandoned at any point.
package prefetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/behavior"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Fetcher loads one page of a conversation. *api.Client satisfies it.
type Fetcher interface {
	ListMessages(ctx context.Context, chatID string, page, limit int) (*api.MessagePage, error)
}

// Config bounds prefetch work.
type Config struct {
	TopConversations int
	MaxConcurrent    int
	HoverDelay       time.Duration
	ScrollWindow     int
	PageSize         int
}

func (c *Config) withDefaults() {
	if c.TopConversations <= 0 {
		c.TopConversations = 5
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.HoverDelay <= 0 {
		c.HoverDelay = 150 * time.Millisecond
	}
	if c.ScrollWindow <= 0 {
		c.ScrollWindow = 5
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
}

// Reasons reported with prefetch.dropped events.
const (
	ReasonWarm     = "warm"
	ReasonInFlight = "in-flight"
	ReasonBusy     = "busy"
	ReasonCanceled = "canceled"
	ReasonFailed   = "failed"
)

type hoverEntry struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

// Controller schedules background prefetches.
type Controller struct {
	store   store.Store
	fetcher Fetcher
	tracker *behavior.Tracker
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	hovers   map[string]*hoverEntry
	disposed bool
}

// New creates a controller. tracker and b may be nil.
func New(st store.Store, f Fetcher, tracker *behavior.Tracker, cfg Config, b *bus.Bus, logger *zap.Logger) *Controller {
	cfg.withDefaults()
	if tracker == nil {
		tracker = behavior.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:    st,
		fetcher:  f,
		tracker:  tracker,
		bus:      b,
		logger:   logging.OrNop(logger),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
		hovers:   make(map[string]*hoverEntry),
	}
}

// Tracker returns the behavior tracker fed by this controller.
func (c *Controller) Tracker() *behavior.Tracker { return c.tracker }

// PrefetchTopConversations warms the most recently active cached
// conversations. The batch waits for free slots in the background.
func (c *Controller) PrefetchTopConversations() {
	c.spawn(func() {
		convs, err := c.store.ListConversations(c.ctx, c.cfg.TopConversations)
		if err != nil {
			c.logger.Debug("top conversations unavailable", zap.Error(err))
			return
		}
		g, ctx := errgroup.WithContext(c.ctx)
		for _, conv := range convs {
			conv := conv
			g.Go(func() error {
				if err := c.sem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer c.sem.Release(1)
				c.prefetch(ctx, conv.OtherUserID, "top")
				return nil
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("top conversations prefetch", zap.Error(err))
		}
	})
}

// PrefetchPredicted warms the tracker's best guess for the resource opened
// after currentID.
func (c *Controller) PrefetchPredicted(currentID string) {
	for _, id := range c.tracker.Predict(currentID, 1) {
		c.tryPrefetch(c.ctx, id, "predicted", nil)
	}
}

// PrefetchOnScroll warms the window of ids following the last visible one.
// allIDs is the full list in display order.
func (c *Controller) PrefetchOnScroll(visibleIDs, allIDs []string) {
	visible := make(map[string]struct{}, len(visibleIDs))
	for _, id := range visibleIDs {
		visible[id] = struct{}{}
		c.tracker.Record(id, behavior.KindScrollVisible)
	}
	last := -1
	for i, id := range allIDs {
		if _, ok := visible[id]; ok {
			last = i
		}
	}
	if last < 0 {
		return
	}
	end := min(last+1+c.cfg.ScrollWindow, len(allIDs))
	for _, id := range allIDs[last+1 : end] {
		c.tryPrefetch(c.ctx, id, "scroll", nil)
	}
}

// PrefetchOnHover schedules a prefetch of id after the hover delay. Hovering
// again restarts the delay.
func (c *Controller) PrefetchOnHover(id string) {
	c.tracker.Record(id, behavior.KindHover)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	if prev, ok := c.hovers[id]; ok {
		prev.timer.Stop()
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	e := &hoverEntry{cancel: cancel}
	e.timer = time.AfterFunc(c.cfg.HoverDelay, func() {
		c.tryPrefetch(ctx, id, "hover", func() { c.clearHover(id, e) })
	})
	c.hovers[id] = e
}

// CancelHoverPrefetch abandons a hover prefetch that is still waiting or in
// flight. Prefetches started by any other trigger are unaffected.
func (c *Controller) CancelHoverPrefetch(id string) {
	c.mu.Lock()
	e, ok := c.hovers[id]
	if ok {
		delete(c.hovers, id)
	}
	c.mu.Unlock()
	if ok {
		e.timer.Stop()
		e.cancel()
	}
}

func (c *Controller) clearHover(id string, e *hoverEntry) {
	c.mu.Lock()
	if c.hovers[id] == e {
		delete(c.hovers, id)
	}
	c.mu.Unlock()
	e.cancel()
}

// TrackBehavior forwards a signal to the tracker.
func (c *Controller) TrackBehavior(id string, kind behavior.Kind) {
	c.tracker.Record(id, kind)
}

// Wait blocks until every started prefetch has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Dispose cancels pending and in-flight prefetches and waits for them.
func (c *Controller) Dispose() {
	c.mu.Lock()
	c.disposed = true
	for id, e := range c.hovers {
		e.timer.Stop()
		e.cancel()
		delete(c.hovers, id)
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// tryPrefetch starts a prefetch only when a slot is free right now. after,
// when set, runs once the attempt is over.
func (c *Controller) tryPrefetch(ctx context.Context, id, source string, after func()) {
	if after == nil {
		after = func() {}
	}
	if id == "" {
		after()
		return
	}
	if !c.sem.TryAcquire(1) {
		c.dropped(id, ReasonBusy)
		after()
		return
	}
	started := c.spawn(func() {
		defer after()
		defer c.sem.Release(1)
		c.prefetch(ctx, id, source)
	})
	if !started {
		c.sem.Release(1)
		after()
	}
}

// prefetch fetches the first page of id and writes it in a single
// transaction. The caller holds a semaphore slot.
func (c *Controller) prefetch(ctx context.Context, id, source string) {
	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		c.dropped(id, ReasonInFlight)
		return
	}
	c.inFlight[id] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, id)
		c.mu.Unlock()
	}()

	if n, err := c.store.MessageCount(ctx, id); err == nil && n > 0 {
		c.dropped(id, ReasonWarm)
		return
	}

	page, err := c.fetcher.ListMessages(ctx, id, 1, c.cfg.PageSize)
	if err != nil {
		if ctx.Err() != nil {
			c.dropped(id, ReasonCanceled)
			return
		}
		c.logger.Debug("prefetch failed", zap.String("conversation", id), zap.String("source", source), zap.Error(err))
		c.dropped(id, ReasonFailed)
		return
	}
	if ctx.Err() != nil {
		c.dropped(id, ReasonCanceled)
		return
	}

	msgs := make([]store.Message, 0, len(page.Messages))
	for i := range page.Messages {
		msgs = append(msgs, page.Messages[i].Record(id))
	}
	if err := c.store.PutMessages(ctx, msgs); err != nil {
		c.logger.Warn("prefetch cache write failed", zap.String("conversation", id), zap.Error(err))
		c.dropped(id, ReasonFailed)
		return
	}
	c.markPrefetched(ctx, id)

	c.logger.Debug("prefetched", zap.String("conversation", id), zap.String("source", source), zap.Int("messages", len(msgs)))
	if c.bus != nil {
		c.bus.Emit(bus.KindPrefetchDone, bus.ResourceEvent{ResourceID: id, Reason: source})
	}
}

func (c *Controller) markPrefetched(ctx context.Context, id string) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil || conv == nil {
		return
	}
	conv.IsPrefetched = true
	conv.LastSyncAt = time.Now()
	if err := c.store.PutConversation(ctx, conv); err != nil {
		c.logger.Warn("prefetch cache write failed", zap.String("conversation", id), zap.Error(err))
	}
}

func (c *Controller) dropped(id, reason string) {
	if c.bus != nil {
		c.bus.Emit(bus.KindPrefetchDropped, bus.ResourceEvent{ResourceID: id, Reason: reason})
	}
}
