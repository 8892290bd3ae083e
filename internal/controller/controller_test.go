package controller_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/api/apitest"
	"github.com/matheus3301/convsync/internal/controller"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/prefetch"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/matheus3301/convsync/internal/viewmodel"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

type client struct {
	ctrl      *controller.Controller
	db        *store.DB
	transport *realtime.MemoryTransport
}

type clientOption func(*controller.Config, *controller.Deps)

func withDedupWindow(d time.Duration) clientOption {
	return func(cfg *controller.Config, _ *controller.Deps) { cfg.DedupWindow = d }
}

func withPrefetch() clientOption {
	return func(cfg *controller.Config, d *controller.Deps) {
		d.Prefetch = prefetch.New(d.Store, d.API.(prefetch.Fetcher), nil, prefetch.Config{MaxConcurrent: 4}, nil, zap.NewNop())
	}
}

func withAPI(wrap func(controller.API) controller.API) clientOption {
	return func(_ *controller.Config, d *controller.Deps) { d.API = wrap(d.API) }
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newClient(t *testing.T, self string, backend *apitest.Backend, broker *realtime.Broker, opts ...clientOption) *client {
	t.Helper()
	db := testDB(t)
	tr := broker.NewTransport()
	hub := realtime.NewHub(tr, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	cfg := controller.Config{
		Self:        outbox.SenderInfo{ID: self, Name: "User " + self},
		DedupWindow: time.Minute,
	}
	deps := controller.Deps{
		Store:  db,
		API:    backend.Client(),
		Hub:    hub,
		Logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	ctrl := controller.New(cfg, deps)
	t.Cleanup(func() {
		ctrl.Close()
		cancel()
		<-done
		tr.Close()
	})
	return &client{ctrl: ctrl, db: db, transport: tr}
}

func publish(t *testing.T, broker *realtime.Broker, channel, event string, data any) {
	t.Helper()
	env, err := realtime.NewEnvelope(channel, event, data)
	require.NoError(t, err)
	broker.Publish(env)
}

func drain(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func conversation(id string, activity int64) api.ConversationDTO {
	return api.ConversationDTO{
		OtherUserID:  id,
		OtherUser:    api.UserDTO{ID: id, Name: "User " + id},
		LastMessage:  &api.LastMessageDTO{ID: "m_" + id, Content: "hi", SenderID: id, CreatedAt: time.Unix(activity, 0)},
		UnreadCount:  1,
		LastActivity: time.Unix(activity, 0),
	}
}

func TestOpenListServesCacheBeforeNetwork(t *testing.T) {
	backend := apitest.New(t, "a")
	release := backend.Block(apitest.RouteListConversations)
	defer release()
	c := newClient(t, "a", backend, realtime.NewBroker())

	ctx := context.Background()
	require.NoError(t, c.db.PutConversations(ctx, []store.Conversation{
		{OtherUserID: "b", LastActivity: time.Unix(2, 0)},
		{OtherUserID: "c", LastActivity: time.Unix(3, 0)},
	}))

	list := c.ctrl.OpenList(ctx)
	require.Equal(t, []string{"c", "b"}, list.IDs())
	require.False(t, list.Loading(), "no loading indicator when the cache has rows")
	require.NoError(t, list.Err())
}

func TestOpenListColdLoadSurfacesError(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.FailWith(apitest.RouteListConversations, 500)
	c := newClient(t, "a", backend, realtime.NewBroker())

	list := c.ctrl.OpenList(context.Background())
	require.True(t, list.Loading())
	c.ctrl.Wait()

	require.ErrorIs(t, list.Err(), api.ErrNetwork)
	require.False(t, list.Loading())

	backend.FailWith(apitest.RouteListConversations, 0)
	backend.SetConversations(conversation("b", 10))
	require.NoError(t, c.ctrl.RevalidateList(context.Background()))
	require.NoError(t, list.Err())
	require.Equal(t, []string{"b"}, list.IDs())
}

func TestRevalidateFailureKeepsCacheSilently(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.FailWith(apitest.RouteListConversations, 503)
	c := newClient(t, "a", backend, realtime.NewBroker())
	require.NoError(t, c.db.PutConversation(context.Background(), &store.Conversation{OtherUserID: "b", LastActivity: time.Unix(1, 0)}))

	list := c.ctrl.OpenList(context.Background())
	c.ctrl.Wait()
	require.NoError(t, list.Err())
	require.Equal(t, []string{"b"}, list.IDs())
}

func TestRevalidateDeduplicatesWithinWindow(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetConversations(conversation("b", 10))
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	c.ctrl.OpenList(ctx)
	c.ctrl.Wait()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.ctrl.RevalidateList(ctx))
	}
	require.Equal(t, 1, backend.Calls(apitest.RouteListConversations))
}

func TestRevalidateDoesNotFlashUnchangedRows(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetConversations(conversation("b", 10), conversation("c", 20))
	c := newClient(t, "a", backend, realtime.NewBroker(), withDedupWindow(time.Nanosecond))
	ctx := context.Background()

	list := c.ctrl.OpenList(ctx)
	c.ctrl.Wait()
	require.Equal(t, []string{"c", "b"}, list.IDs())
	drain(list.RefreshCh())

	require.NoError(t, c.ctrl.RevalidateList(ctx))
	require.Equal(t, 2, backend.Calls(apitest.RouteListConversations))
	require.False(t, drain(list.RefreshCh()), "identical rows must not trigger a refresh")
}

func TestRealtimeConversationUpdateReordersList(t *testing.T) {
	broker := realtime.NewBroker()
	backend := apitest.New(t, "a")
	backend.SetConversations(conversation("b", 10), conversation("c", 20))
	c := newClient(t, "a", backend, broker)

	list := c.ctrl.OpenList(context.Background())
	c.ctrl.Wait()
	require.True(t, c.transport.Subscribed(realtime.UserConversationsChannel("a")))

	publish(t, broker, realtime.UserConversationsChannel("a"), realtime.EventConversationUpdated, conversation("b", 30))
	require.Eventually(t, func() bool {
		ids := list.IDs()
		return len(ids) == 2 && ids[0] == "b"
	}, waitFor, 5*time.Millisecond)

	// A stale update never moves a row back.
	publish(t, broker, realtime.UserConversationsChannel("a"), realtime.EventConversationUpdated, conversation("b", 5))
	publish(t, broker, realtime.UserConversationsChannel("a"), realtime.EventConversationUpdated, conversation("d", 25))
	require.Eventually(t, func() bool { return list.Len() == 3 }, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{"b", "d", "c"}, list.IDs())
}

func TestSendEndToEnd(t *testing.T) {
	broker := realtime.NewBroker()
	backend := apitest.New(t, "a")
	backend.SetNextID(42)
	backend.OnSend(func(m api.MessageDTO) {
		env, err := realtime.NewEnvelope(realtime.PrivateChannel(m.SenderID, m.ReceiverID), realtime.EventNewMessage, m)
		if err == nil {
			broker.Publish(env)
		}
	})
	alice := newClient(t, "a", backend, broker)
	bob := newClient(t, "b", backend, broker)
	ctx := context.Background()

	aliceThread := alice.ctrl.OpenConversation(ctx, "b")
	bobThread := bob.ctrl.OpenConversation(ctx, "a")
	alice.ctrl.Wait()
	bob.ctrl.Wait()

	release := backend.Block(apitest.RouteSend)
	type result struct {
		msg store.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := alice.ctrl.Send(ctx, "b", controller.Draft{Content: "Hello"})
		done <- result{m, err}
	}()

	require.Eventually(t, func() bool { return aliceThread.Len() == 1 }, waitFor, 5*time.Millisecond)
	pending := aliceThread.Snapshot()[0]
	require.True(t, pending.ID.IsTemporary())
	require.Equal(t, store.StatusPending, pending.Status)
	require.Equal(t, "Hello", pending.Content)

	release()
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, store.MessageID("m_42"), res.msg.ID)

	msgs := aliceThread.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, store.MessageID("m_42"), msgs[0].ID)
	require.Equal(t, store.StatusConfirmed, msgs[0].Status)
	require.Equal(t, "Hello", msgs[0].Content)

	gone, err := alice.db.GetMessage(ctx, pending.ID)
	require.NoError(t, err)
	require.Nil(t, gone, "temporary id must not survive confirmation")
	n, err := alice.db.MessageCount(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		_, ok := bobThread.Get("m_42")
		return ok
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, 1, bobThread.Len())
	n, err = bob.db.MessageCount(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Alice also receives her own message on the shared channel.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, aliceThread.Len())
}

func TestSendFailureThenRetry(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.FailWith(apitest.RouteSend, 500)
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()

	failed, err := c.ctrl.Send(ctx, "b", controller.Draft{Content: "Hello"})
	require.ErrorIs(t, err, api.ErrNetwork)
	require.Equal(t, store.StatusFailed, failed.Status)
	require.True(t, failed.ID.IsTemporary())

	shown, ok := th.Get(failed.ID)
	require.True(t, ok, "failed record stays visible")
	require.Equal(t, store.StatusFailed, shown.Status)
	require.Error(t, th.RecordError(failed.ID))

	cached, err := c.db.GetMessage(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, cached.Status)

	backend.FailWith(apitest.RouteSend, 0)
	confirmed, err := c.ctrl.Retry(ctx, failed.OperationID)
	require.NoError(t, err)
	require.Equal(t, store.StatusConfirmed, confirmed.Status)

	msgs := th.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, confirmed.ID, msgs[0].ID)
	require.NoError(t, th.RecordError(failed.ID))
	n, err := c.db.MessageCount(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = c.ctrl.Retry(ctx, failed.OperationID)
	require.True(t, outbox.IsNoOp(err))
}

func TestCancelThenLateConfirmIsNoOp(t *testing.T) {
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()

	release := backend.Block(apitest.RouteSend)
	done := make(chan store.Message, 1)
	go func() {
		m, _ := c.ctrl.Send(ctx, "b", controller.Draft{Content: "oops"})
		done <- m
	}()
	require.Eventually(t, func() bool { return th.Len() == 1 }, waitFor, 5*time.Millisecond)
	pending := th.Snapshot()[0]

	require.NoError(t, c.ctrl.Cancel(ctx, pending.OperationID))
	require.Zero(t, th.Len())

	release()
	late := <-done
	require.Empty(t, late.ID)
	require.Zero(t, th.Len())
	n, err := c.db.MessageCount(ctx, "b")
	require.NoError(t, err)
	require.Zero(t, n)

	require.True(t, outbox.IsNoOp(c.ctrl.Cancel(ctx, pending.OperationID)))
}

func TestReadReceiptAfterLocalRead(t *testing.T) {
	broker := realtime.NewBroker()
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, broker)
	ctx := context.Background()

	first := time.Unix(500, 0)
	require.NoError(t, c.db.PutMessage(ctx, &store.Message{
		ID: "m_10", ConversationID: "b", SenderID: "a", ReceiverID: "b",
		Content: "seen?", CreatedAt: time.Unix(100, 0), IsRead: true, ReadAt: first,
	}))

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()

	channel := realtime.PrivateChannel("a", "b")
	publish(t, broker, channel, realtime.EventMessageRead, map[string]any{
		"messageId": "m_10", "readBy": "b", "readAt": time.Unix(900, 0),
	})
	publish(t, broker, channel, realtime.EventTypingStart, realtime.Typing{UserID: "b", UserName: "Bob"})
	require.Eventually(t, func() bool { return len(th.Typing.Get(time.Now())) == 1 }, waitFor, 5*time.Millisecond)

	m, ok := th.Get("m_10")
	require.True(t, ok)
	require.True(t, m.IsRead)
	require.True(t, m.ReadAt.Equal(first))
	require.Equal(t, 1, th.Len())

	cached, err := c.db.GetMessage(ctx, "m_10")
	require.NoError(t, err)
	require.True(t, cached.ReadAt.Equal(first))
}

func TestSwitchingConversationUnsubscribes(t *testing.T) {
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	c.ctrl.OpenConversation(ctx, "b")
	require.True(t, c.transport.Subscribed(realtime.PrivateChannel("a", "b")))

	c.ctrl.OpenRoom(ctx, "r1")
	require.False(t, c.transport.Subscribed(realtime.PrivateChannel("a", "b")))
	require.True(t, c.transport.Subscribed(realtime.RoomChannel("r1")))
	require.Nil(t, c.ctrl.Thread("b"))

	c.ctrl.CloseConversation("r1")
	require.False(t, c.transport.Subscribed(realtime.RoomChannel("r1")))
}

func TestRoomSendTargetsRoom(t *testing.T) {
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	c.ctrl.OpenRoom(ctx, "r1")
	c.ctrl.Wait()
	_, err := c.ctrl.SendToRoom(ctx, "r1", controller.Draft{Content: "hi all"})
	require.NoError(t, err)

	sent := backend.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "r1", sent[0].RoomID)
	require.Empty(t, sent[0].ReceiverID)
}

func TestRoomSendAndRetryWithoutOpenRoom(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.FailWith(apitest.RouteSend, 500)
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	failed, err := c.ctrl.SendToRoom(ctx, "r1", controller.Draft{Content: "hi all"})
	require.ErrorIs(t, err, api.ErrNetwork)
	require.Equal(t, "r1", failed.RoomID)
	require.Empty(t, failed.ReceiverID)

	cached, err := c.db.GetMessage(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, "r1", cached.ConversationID)
	require.Equal(t, "r1", cached.RoomID)

	// Another conversation is open when the retry goes out.
	c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()
	backend.FailWith(apitest.RouteSend, 0)
	_, err = c.ctrl.Retry(ctx, failed.OperationID)
	require.NoError(t, err)

	sent := backend.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	require.Equal(t, "r1", last.RoomID)
	require.Empty(t, last.ReceiverID)
}

func TestSendPassesReceiverViewing(t *testing.T) {
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	_, err := c.ctrl.Send(ctx, "b", controller.Draft{Content: "seen", ReceiverViewing: true})
	require.NoError(t, err)
	_, err = c.ctrl.Send(ctx, "b", controller.Draft{Content: "unseen"})
	require.NoError(t, err)

	sent := backend.Sent()
	require.Len(t, sent, 2)
	require.True(t, sent[0].IsReceiverViewing)
	require.False(t, sent[1].IsReceiverViewing)
}

// idlessSendAPI answers every send with a message that has no id.
type idlessSendAPI struct {
	controller.API
}

func (idlessSendAPI) SendMessage(context.Context, *api.SendRequest) (*api.MessageDTO, error) {
	return &api.MessageDTO{}, nil
}

func TestSendResponseWithoutIDFails(t *testing.T) {
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, realtime.NewBroker(), withAPI(func(inner controller.API) controller.API {
		return idlessSendAPI{inner}
	}))
	ctx := context.Background()

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()

	failed, err := c.ctrl.Send(ctx, "b", controller.Draft{Content: "Hello"})
	require.Error(t, err)
	require.Equal(t, store.StatusFailed, failed.Status)
	require.True(t, failed.ID.IsTemporary())
	require.Error(t, th.RecordError(failed.ID))
}

func TestOpenConversationColdLoadError(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.FailWith(apitest.RouteListMessages, 500)
	c := newClient(t, "a", backend, realtime.NewBroker())

	th := c.ctrl.OpenConversation(context.Background(), "b")
	require.True(t, th.Loading())
	c.ctrl.Wait()
	require.ErrorIs(t, th.Err(), api.ErrNetwork)
	require.False(t, th.Loading())
}

func TestOpenConversationServesCacheThenMerges(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetMessages("b",
		api.MessageDTO{ID: "m_1", SenderID: "b", ReceiverID: "a", Content: "one", CreatedAt: time.Unix(1, 0)},
		api.MessageDTO{ID: "m_2", SenderID: "b", ReceiverID: "a", Content: "two", CreatedAt: time.Unix(2, 0)},
	)
	release := backend.Block(apitest.RouteListMessages)
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()
	require.NoError(t, c.db.PutMessage(ctx, &store.Message{ID: "m_1", ConversationID: "b", SenderID: "b", Content: "one", CreatedAt: time.Unix(1, 0)}))

	th := c.ctrl.OpenConversation(ctx, "b")
	require.Equal(t, 1, th.Len())
	require.False(t, th.Loading())

	release()
	c.ctrl.Wait()
	require.Equal(t, 2, th.Len())
	require.Equal(t, []store.MessageID{"m_1", "m_2"}, messageIDs(th))
}

func messageIDs(th *viewmodel.Thread) []store.MessageID {
	msgs := th.Snapshot()
	ids := make([]store.MessageID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestEditRevertsOnFailure(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetMessages("b", api.MessageDTO{ID: "m_1", SenderID: "a", ReceiverID: "b", Content: "typo", CreatedAt: time.Unix(1, 0)})
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()

	backend.FailWith(apitest.RouteEdit, 500)
	err := c.ctrl.EditMessage(ctx, "b", "m_1", "fixed")
	require.ErrorIs(t, err, api.ErrNetwork)
	m, _ := th.Get("m_1")
	require.Equal(t, "typo", m.Content)
	require.Error(t, th.RecordError("m_1"))

	backend.FailWith(apitest.RouteEdit, 0)
	require.NoError(t, c.ctrl.EditMessage(ctx, "b", "m_1", "fixed"))
	m, _ = th.Get("m_1")
	require.Equal(t, "fixed", m.Content)
	require.True(t, m.IsEdited)
	require.NoError(t, th.RecordError("m_1"))

	cached, err := c.db.GetMessage(ctx, "m_1")
	require.NoError(t, err)
	require.Equal(t, "fixed", cached.Content)

	require.ErrorIs(t, c.ctrl.EditMessage(ctx, "b", store.NewTemporaryID().MessageID(), "x"), controller.ErrNotConfirmed)
}

func TestEditWithoutResponseBodyKeepsEdit(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetMessages("b", api.MessageDTO{ID: "m_1", SenderID: "a", ReceiverID: "b", Content: "typo", CreatedAt: time.Unix(1, 0)})
	backend.EditWithoutBody(true)
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()

	require.NoError(t, c.ctrl.EditMessage(ctx, "b", "m_1", "fixed"))
	m, _ := th.Get("m_1")
	require.Equal(t, "fixed", m.Content)
	require.True(t, m.IsEdited)
	require.NoError(t, th.RecordError("m_1"))

	cached, err := c.db.GetMessage(ctx, "m_1")
	require.NoError(t, err)
	require.Equal(t, "fixed", cached.Content)
	require.True(t, cached.IsEdited)

	// With the conversation closed the cached record is edited directly.
	c.ctrl.CloseConversation("b")
	require.NoError(t, c.ctrl.EditMessage(ctx, "b", "m_1", "fixed again"))
	cached, err = c.db.GetMessage(ctx, "m_1")
	require.NoError(t, err)
	require.Equal(t, "fixed again", cached.Content)
}

func TestDeleteMessage(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetMessages("b", api.MessageDTO{ID: "m_1", SenderID: "a", ReceiverID: "b", Content: "bye", CreatedAt: time.Unix(1, 0)})
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()
	require.Equal(t, 1, th.Len())

	backend.FailWith(apitest.RouteDelete, 500)
	require.Error(t, c.ctrl.DeleteMessage(ctx, "b", "m_1"))
	_, ok := th.Get("m_1")
	require.True(t, ok, "rejected delete restores the record")
	require.Error(t, th.RecordError("m_1"))

	backend.FailWith(apitest.RouteDelete, 0)
	require.NoError(t, c.ctrl.DeleteMessage(ctx, "b", "m_1"))
	require.Zero(t, th.Len())
	gone, err := c.db.GetMessage(ctx, "m_1")
	require.NoError(t, err)
	require.Nil(t, gone)

	// Deleting an unconfirmed record cancels its send.
	backend.FailWith(apitest.RouteSend, 500)
	failed, _ := c.ctrl.Send(ctx, "b", controller.Draft{Content: "never"})
	require.NoError(t, c.ctrl.DeleteMessage(ctx, "b", failed.ID))
	require.Zero(t, th.Len())
	_, found := c.ctrl.Outbox().Get(failed.OperationID)
	require.False(t, found)
}

func TestMarkAsReadAndRemoveConversation(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetConversations(conversation("b", 10))
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	list := c.ctrl.OpenList(ctx)
	c.ctrl.Wait()

	require.True(t, c.ctrl.MarkAsRead(ctx, "b"))
	conv, _ := list.Get("b")
	require.Zero(t, conv.UnreadCount)
	require.True(t, conv.LastMessage.IsRead)
	cached, err := c.db.GetConversation(ctx, "b")
	require.NoError(t, err)
	require.Zero(t, cached.UnreadCount)
	require.False(t, c.ctrl.MarkAsRead(ctx, "b"), "already read")

	c.ctrl.RemoveConversation(ctx, "b")
	require.Zero(t, list.Len())
	cached, err = c.db.GetConversation(ctx, "b")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestInterruptedSendCanBeRetried(t *testing.T) {
	backend := apitest.New(t, "a")
	c := newClient(t, "a", backend, realtime.NewBroker())
	ctx := context.Background()

	tmp := store.NewTemporaryID().MessageID()
	require.NoError(t, c.db.PutMessage(ctx, &store.Message{
		ID: tmp, ConversationID: "b", SenderID: "a", ReceiverID: "b", Content: "from last run",
		CreatedAt: time.Unix(1, 0), Optimistic: true, OperationID: "op-1", Status: store.StatusPending,
	}))

	th := c.ctrl.OpenConversation(ctx, "b")
	c.ctrl.Wait()
	m, ok := th.Get(tmp)
	require.True(t, ok)
	require.Equal(t, store.StatusFailed, m.Status)
	require.ErrorIs(t, th.RecordError(tmp), outbox.ErrInterrupted)

	confirmed, err := c.ctrl.Retry(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, "from last run", confirmed.Content)
	require.Equal(t, 1, th.Len())
	_, ok = th.Get(tmp)
	require.False(t, ok)
}

func TestListOpenWarmsTopConversations(t *testing.T) {
	backend := apitest.New(t, "a")
	backend.SetConversations(conversation("b", 10), conversation("c", 20))
	backend.SetMessages("b", api.MessageDTO{ID: "m_b", SenderID: "b", ReceiverID: "a", Content: "b", CreatedAt: time.Unix(10, 0)})
	backend.SetMessages("c", api.MessageDTO{ID: "m_c", SenderID: "c", ReceiverID: "a", Content: "c", CreatedAt: time.Unix(20, 0)})
	c := newClient(t, "a", backend, realtime.NewBroker(), withPrefetch())
	ctx := context.Background()

	c.ctrl.OpenList(ctx)
	require.Eventually(t, func() bool {
		nb, errB := c.db.MessageCount(ctx, "b")
		nc, errC := c.db.MessageCount(ctx, "c")
		return errors.Join(errB, errC) == nil && nb == 1 && nc == 1
	}, waitFor, 10*time.Millisecond)

	conv, err := c.db.GetConversation(ctx, "c")
	require.NoError(t, err)
	require.True(t, conv.IsPrefetched)
}
