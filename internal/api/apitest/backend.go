// Package apitest provides an in-memory chat backend served over HTTP for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/convsync/internal/api"
)

// Route names accepted by FailWith, Block and Calls.
const (
	RouteListConversations = "list-conversations"
	RouteListMessages      = "list-messages"
	RouteSend              = "send"
	RouteEdit              = "edit"
	RouteDelete            = "delete"
)

// Backend is a fake chat backend. All methods are safe for concurrent use.
type Backend struct {
	UserID string

	mu            sync.Mutex
	conversations []api.ConversationDTO
	messages      map[string][]api.MessageDTO
	sent          []api.SendRequest
	nextID        int
	calls         map[string]int
	failures      map[string]int
	gates         map[string]chan struct{}
	onSend        func(api.MessageDTO)
	editNoBody    bool

	server *httptest.Server
}

// New starts a backend for userID. It shuts down when the test ends.
func New(t testing.TB, userID string) *Backend {
	t.Helper()
	b := &Backend{
		UserID:   userID,
		messages: make(map[string][]api.MessageDTO),
		nextID:   1,
		calls:    make(map[string]int),
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/conversations", b.wrap(RouteListConversations, b.listConversations)).Methods(http.MethodGet)
	r.HandleFunc("/messages", b.wrap(RouteListMessages, b.listMessages)).Methods(http.MethodGet)
	r.HandleFunc("/messages", b.wrap(RouteSend, b.send)).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", b.wrap(RouteEdit, b.edit)).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id}", b.wrap(RouteDelete, b.delete)).Methods(http.MethodDelete)

	b.server = httptest.NewServer(r)
	t.Cleanup(func() {
		b.mu.Lock()
		for route, gate := range b.gates {
			close(gate)
			delete(b.gates, route)
		}
		b.mu.Unlock()
		b.server.Close()
	})
	return b
}

// URL is the base URL to hand to api.New.
func (b *Backend) URL() string { return b.server.URL }

// Client returns an api.Client pointed at the backend.
func (b *Backend) Client() *api.Client {
	return api.New(b.URL(), api.WithToken("test-token"), api.WithTimeout(5*time.Second))
}

// SetConversations replaces the conversation list.
func (b *Backend) SetConversations(convs ...api.ConversationDTO) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations = slices.Clone(convs)
}

// SetMessages replaces the messages of chatID. Messages are kept in the
// order given, oldest first.
func (b *Backend) SetMessages(chatID string, msgs ...api.MessageDTO) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[chatID] = slices.Clone(msgs)
}

// SetNextID sets the numeric suffix of the next server id ("m_<n>").
func (b *Backend) SetNextID(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID = n
}

// OnSend registers a hook called with every message the backend accepts.
func (b *Backend) OnSend(fn func(api.MessageDTO)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

// FailWith makes every request to route answer with code until code is 0.
func (b *Backend) FailWith(route string, code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if code == 0 {
		delete(b.failures, route)
		return
	}
	b.failures[route] = code
}

// EditWithoutBody makes PATCH answer 204 No Content instead of echoing the
// edited message.
func (b *Backend) EditWithoutBody(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.editNoBody = on
}

// Block holds requests to route until the returned release func is called.
func (b *Backend) Block(route string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gates[route] = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gates[route] == gate {
				delete(b.gates, route)
				close(gate)
			}
			b.mu.Unlock()
		})
	}
}

// Calls returns how many requests route has received.
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// Sent returns every accepted send request.
func (b *Backend) Sent() []api.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sent)
}

func (b *Backend) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls[route]++
		gate := b.gates[route]
		code := b.failures[route]
		b.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (b *Backend) listConversations(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	convs := slices.Clone(b.conversations)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "count": len(convs)})
}

func (b *Backend) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		http.Error(w, "chatId required", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	page = max(page, 1)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	b.mu.Lock()
	all := b.messages[chatID]
	// Pages count back from the newest message.
	end := max(len(all)-(page-1)*limit, 0)
	start := max(end-limit, 0)
	msgs := slices.Clone(all[start:end])
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, api.MessagePage{Messages: msgs, HasMore: start > 0, Page: page, Limit: limit})
}

func (b *Backend) send(w http.ResponseWriter, r *http.Request) {
	var req api.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ReceiverID == "" && req.RoomID == "" {
		http.Error(w, "receiverId or roomId required", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	now := time.Now().UTC().Truncate(time.Millisecond)
	msg := api.MessageDTO{
		ID:         fmt.Sprintf("m_%d", b.nextID),
		SenderID:   b.UserID,
		ReceiverID: req.ReceiverID,
		RoomID:     req.RoomID,
		Content:    req.Content,
		Type:       req.Type,
		FileURL:    req.FileURL,
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		ReplyToID:  req.ReplyToID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b.nextID++
	chatID := req.ReceiverID
	if req.RoomID != "" {
		chatID = req.RoomID
	}
	b.messages[chatID] = append(b.messages[chatID], msg)
	b.sent = append(b.sent, req)
	hook := b.onSend
	b.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (b *Backend) edit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for chatID, msgs := range b.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				now := time.Now().UTC().Truncate(time.Millisecond)
				msgs[i].Content = body.Content
				msgs[i].IsEdited = true
				msgs[i].EditedAt = now
				msgs[i].UpdatedAt = now
				b.messages[chatID] = msgs
				if b.editNoBody {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"message": msgs[i]})
				return
			}
		}
	}
	http.Error(w, "message not found", http.StatusNotFound)
}

func (b *Backend) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	b.mu.Lock()
	defer b.mu.Unlock()
	for chatID, msgs := range b.messages {
		if i := slices.IndexFunc(msgs, func(m api.MessageDTO) bool { return m.ID == id }); i >= 0 {
			b.messages[chatID] = slices.Delete(msgs, i, i+1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, "message not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
