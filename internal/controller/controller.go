// Package controller composes the local store, the outbox, the realtime
// reconciler and the prefetcher into cache-first view models for the UI.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/behavior"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/prefetch"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/matheus3301/convsync/internal/viewmodel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotConfirmed is returned for mutations on a message that has no
// server id yet.
var ErrNotConfirmed = errors.New("message not confirmed")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("controller closed")

// API is the subset of the remote API the controller calls. *api.Client
// satisfies it.
type API interface {
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	ListMessages(ctx context.Context, chatID string, page, limit int) (*api.MessagePage, error)
	SendMessage(ctx context.Context, req *api.SendRequest) (*api.MessageDTO, error)
	EditMessage(ctx context.Context, id store.ServerID, content string) (*api.MessageDTO, error)
	DeleteMessage(ctx context.Context, id store.ServerID) error
}

// Subscriber registers realtime handlers. *realtime.Hub satisfies it.
type Subscriber interface {
	Subscribe(channel string, fn realtime.Handler) (unsubscribe func())
}

// Config configures a controller.
type Config struct {
	Self                       outbox.SenderInfo
	PageSize                   int
	DedupWindow                time.Duration
	TypingTTL                  time.Duration
	MaxConversations           int
	MaxMessagesPerConversation int
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 3 * time.Second
	}
	if c.MaxConversations <= 0 {
		c.MaxConversations = 200
	}
	if c.MaxMessagesPerConversation <= 0 {
		c.MaxMessagesPerConversation = 500
	}
}

// Deps are the collaborators of a controller. Hub, Prefetch and Bus are
// optional.
type Deps struct {
	Store    store.Store
	API      API
	Hub      Subscriber
	Outbox   *outbox.Manager
	Prefetch *prefetch.Controller
	Bus      *bus.Bus
	Logger   *zap.Logger
}

type openThread struct {
	thread *viewmodel.Thread
	unsub  func()
}

// Controller serves cache-first reads, revalidates in the background and
// applies optimistic writes.
type Controller struct {
	cfg        Config
	store      store.Store
	api        API
	hub        Subscriber
	outbox     *outbox.Manager
	reconciler *intsync.Reconciler
	prefetch   *prefetch.Controller
	bus        *bus.Bus
	logger     *zap.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	reads  singleflight.Group

	list *viewmodel.ConversationList

	mu        sync.Mutex
	listUnsub func()
	threads   map[string]*openThread
	fetchedAt map[string]time.Time
	closed    bool
}

// New creates a controller.
func New(cfg Config, d Deps) *Controller {
	cfg.withDefaults()
	logger := logging.OrNop(d.Logger)
	ob := d.Outbox
	if ob == nil {
		ob = outbox.NewManager(d.Bus, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		store:  d.Store,
		api:    d.API,
		hub:    d.Hub,
		outbox: ob,
		reconciler: intsync.NewReconciler(d.Store, intsync.Config{
			SelfID:    cfg.Self.ID,
			TypingTTL: cfg.TypingTTL,
		}, d.Bus, logger),
		prefetch:  d.Prefetch,
		bus:       d.Bus,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		list:      viewmodel.NewConversationList(),
		threads:   make(map[string]*openThread),
		fetchedAt: make(map[string]time.Time),
	}
}

// Outbox returns the operation manager.
func (c *Controller) Outbox() *outbox.Manager { return c.outbox }

// Close unsubscribes every channel, abandons background work and waits for
// it to finish. It does not close the store.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := make([]func(), 0, len(c.threads)+1)
	if c.listUnsub != nil {
		unsubs = append(unsubs, c.listUnsub)
		c.listUnsub = nil
	}
	for id, ot := range c.threads {
		unsubs = append(unsubs, ot.unsub)
		delete(c.threads, id)
	}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.cancel()
	if c.prefetch != nil {
		c.prefetch.Dispose()
	}
	c.wg.Wait()
}

// Wait blocks until every background revalidation started so far is done.
func (c *Controller) Wait() { c.wg.Wait() }

// background runs fn on its own goroutine bound to the controller's
// lifetime.
func (c *Controller) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// revalidate runs fn at most once at a time per key, and skips it entirely
// when key succeeded within the dedup window.
func (c *Controller) revalidate(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	at, ok := c.fetchedAt[key]
	c.mu.Unlock()
	if ok && c.now().Sub(at) < c.cfg.DedupWindow {
		c.logger.Debug("revalidation deduplicated", zap.String("key", key))
		return nil
	}

	_, err, shared := c.reads.Do(key, func() (any, error) {
		if err := fn(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.fetchedAt[key] = c.now()
		c.mu.Unlock()
		return nil, nil
	})
	if shared {
		c.logger.Debug("revalidation shared", zap.String("key", key))
	}
	return err
}

func (c *Controller) thread(id string) *viewmodel.Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ot, ok := c.threads[id]; ok {
		return ot.thread
	}
	return nil
}

// Hover starts a debounced prefetch of a conversation under the pointer.
func (c *Controller) Hover(id string) {
	if c.prefetch != nil {
		c.prefetch.PrefetchOnHover(id)
	}
}

// Unhover cancels a pending hover prefetch.
func (c *Controller) Unhover(id string) {
	if c.prefetch != nil {
		c.prefetch.CancelHoverPrefetch(id)
	}
}

// Scrolled reports the conversations currently visible in the list.
func (c *Controller) Scrolled(visibleIDs []string) {
	if c.prefetch != nil {
		c.prefetch.PrefetchOnScroll(visibleIDs, c.list.IDs())
	}
}

func (c *Controller) trackOpen(id string) {
	if c.prefetch == nil {
		return
	}
	c.prefetch.TrackBehavior(id, behavior.KindOpen)
	c.prefetch.PrefetchPredicted(id)
}
