package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/convsync/internal/store"
)

// ListConversations fetches the caller's conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	convs := make([]store.Conversation, 0, len(resp.Conversations))
	for i := range resp.Conversations {
		convs = append(convs, resp.Conversations[i].Record())
	}
	return convs, nil
}

// ListMessages fetches one page of a conversation. The backend marks the
// returned messages read and emits message-read events as a side effect.
func (c *Client) ListMessages(ctx context.Context, chatID string, page, limit int) (*MessagePage, error) {
	q := url.Values{}
	q.Set("chatId", chatID)
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/messages", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// SendMessage posts a new message and returns the server's record of it.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*MessageDTO, error) {
	if req.Type == "" {
		req.Type = string(store.TypeText)
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages", req, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// EditMessage replaces the content of a confirmed message.
func (c *Client) EditMessage(ctx context.Context, id store.ServerID, content string) (*MessageDTO, error) {
	body := map[string]string{"content": content}
	data, err := c.doRequest(ctx, http.MethodPatch, "/messages/"+url.PathEscape(string(id)), body, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// DeleteMessage deletes a confirmed message.
func (c *Client) DeleteMessage(ctx context.Context, id store.ServerID) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(string(id)), nil, nil)
	return err
}
