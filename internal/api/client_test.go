package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/api/apitest"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/stretchr/testify/require"
)

func TestListConversations(t *testing.T) {
	backend := apitest.New(t, "user_a")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend.SetConversations(api.ConversationDTO{
		OtherUserID:  "user_b",
		OtherUser:    api.UserDTO{ID: "user_b", Name: "Bob"},
		LastMessage:  &api.LastMessageDTO{ID: "m_1", Content: "hi", SenderID: "user_b", CreatedAt: at},
		UnreadCount:  2,
		LastActivity: at,
	})

	convs, err := backend.Client().ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "user_b", convs[0].OtherUserID)
	require.Equal(t, "Bob", convs[0].Participant.Name)
	require.Equal(t, 2, convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	require.Equal(t, store.MessageID("m_1"), convs[0].LastMessage.ID)
	require.True(t, convs[0].LastActivity.Equal(at))
}

func TestListMessagesPaging(t *testing.T) {
	backend := apitest.New(t, "user_a")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var msgs []api.MessageDTO
	for i := 0; i < 5; i++ {
		msgs = append(msgs, api.MessageDTO{
			ID:        "m_" + string(rune('1'+i)),
			SenderID:  "user_b",
			Content:   "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	backend.SetMessages("user_b", msgs...)
	client := backend.Client()

	page, err := client.ListMessages(context.Background(), "user_b", 1, 2)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "m_4", page.Messages[0].ID)
	require.Equal(t, "m_5", page.Messages[1].ID)

	page, err = client.ListMessages(context.Background(), "user_b", 3, 2)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Messages, 1)

	rec := page.Messages[0].Record("user_b")
	require.Equal(t, "user_b", rec.ConversationID)
	require.Equal(t, store.StatusConfirmed, rec.Status)
	require.Equal(t, store.TypeText, rec.Type)
	require.True(t, rec.UpdatedAt.Equal(rec.CreatedAt))
}

func TestSendEditDelete(t *testing.T) {
	backend := apitest.New(t, "user_a")
	backend.SetNextID(42)
	client := backend.Client()
	ctx := context.Background()

	msg, err := client.SendMessage(ctx, &api.SendRequest{ReceiverID: "user_b", Content: "Hello", IsReceiverViewing: true})
	require.NoError(t, err)
	require.Equal(t, "m_42", msg.ID)
	require.Equal(t, "user_a", msg.SenderID)
	require.Equal(t, "text", msg.Type)

	sent := backend.Sent()
	require.Len(t, sent, 1)
	require.True(t, sent[0].IsReceiverViewing)

	edited, err := client.EditMessage(ctx, store.ServerID("m_42"), "Hello!")
	require.NoError(t, err)
	require.Equal(t, "Hello!", edited.Content)
	require.True(t, edited.IsEdited)

	require.NoError(t, client.DeleteMessage(ctx, store.ServerID("m_42")))

	err = client.DeleteMessage(ctx, store.ServerID("m_42"))
	require.Error(t, err)
	require.True(t, api.IsNotFound(err))
}

func TestStatusErrorMatchesErrNetwork(t *testing.T) {
	backend := apitest.New(t, "user_a")
	backend.FailWith(apitest.RouteListConversations, http.StatusServiceUnavailable)

	_, err := backend.Client().ListConversations(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, api.ErrNetwork)

	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusServiceUnavailable, se.Code)
	require.Equal(t, http.MethodGet, se.Method)
}

func TestTransportErrorMatchesErrNetwork(t *testing.T) {
	client := api.New("http://127.0.0.1:1", api.WithTimeout(time.Second))
	_, err := client.ListConversations(context.Background())
	require.ErrorIs(t, err, api.ErrNetwork)
}

func TestContextCancelAbortsBlockedRequest(t *testing.T) {
	backend := apitest.New(t, "user_a")
	release := backend.Block(apitest.RouteListConversations)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := backend.Client().ListConversations(ctx)
	require.ErrorIs(t, err, api.ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
