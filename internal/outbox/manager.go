// Package outbox tracks locally originated mutations until the backend
// confirms or rejects them.
package outbox

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrOperationNotFound means the operation id is unknown or already cleaned up.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrConflictOnConfirm means a confirm arrived for a rolled-back operation.
	ErrConflictOnConfirm = errors.New("confirm for rolled back operation")
	// ErrInvalidTransition means the operation is not in a state that allows the call.
	ErrInvalidTransition = errors.New("invalid operation transition")
)

// IsNoOp reports whether err only signals that a call had nothing to do.
// Callers log it and move on.
func IsNoOp(err error) bool {
	return errors.Is(err, ErrOperationNotFound) ||
		errors.Is(err, ErrConflictOnConfirm) ||
		errors.Is(err, ErrInvalidTransition)
}

// Kind is the mutation an operation performs.
type Kind string

const KindSendMessage Kind = "send-message"

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// validTransitions defines allowed status changes. Rollback is allowed from
// any state and is handled separately.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusConfirmed, StatusFailed},
	StatusFailed:  {StatusPending},
}

// SenderInfo identifies the local user on an optimistic record.
type SenderInfo struct {
	ID     string
	Name   string
	Avatar string
}

// Payload is the snapshot needed to (re)submit a send.
type Payload struct {
	ConversationID string
	ReceiverID     string
	RoomID         string
	Content        string
	Type           store.MessageType
	File           *store.FileInfo
	ReplyTo        store.ServerID
	Sender         SenderInfo

	// ReceiverViewing is passed through to the backend on every submit.
	ReceiverViewing bool
}

// Operation is one tracked mutation.
type Operation struct {
	ID        string
	Kind      Kind
	Payload   Payload
	Status    Status
	TempID    store.TemporaryID
	ServerID  store.ServerID
	CreatedAt time.Time
	Attempts  int
	LastErr   error
}

// Record projects the operation into the message record the UI and the
// local store hold while it is unconfirmed.
func (op *Operation) Record() store.Message {
	msgType := op.Payload.Type
	if msgType == "" {
		msgType = store.TypeText
	}
	recStatus := store.StatusPending
	if op.Status == StatusFailed {
		recStatus = store.StatusFailed
	}
	return store.Message{
		ID:             op.TempID.MessageID(),
		ConversationID: op.Payload.ConversationID,
		SenderID:       op.Payload.Sender.ID,
		ReceiverID:     op.Payload.ReceiverID,
		RoomID:         op.Payload.RoomID,
		Content:        op.Payload.Content,
		Type:           msgType,
		File:           op.Payload.File,
		ReplyTo:        op.Payload.ReplyTo.MessageID(),
		CreatedAt:      op.CreatedAt,
		UpdatedAt:      op.CreatedAt,
		Optimistic:     true,
		OperationID:    op.ID,
		Status:         recStatus,
	}
}

const maxTombstones = 1024

// Manager owns every live operation.
type Manager struct {
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	ops        map[string]*Operation
	tombstones map[string]struct{}
	tombOrder  []string
}

// NewManager creates a manager. b may be nil.
func NewManager(b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		bus:        b,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		ops:        make(map[string]*Operation),
		tombstones: make(map[string]struct{}),
	}
}

// Create registers a pending send and returns the optimistic record for
// immediate display and caching.
func (m *Manager) Create(p Payload) (store.Message, Operation) {
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      KindSendMessage,
		Payload:   p,
		Status:    StatusPending,
		TempID:    store.NewTemporaryID(),
		CreatedAt: m.now(),
		Attempts:  1,
	}
	m.mu.Lock()
	m.ops[op.ID] = op
	snapshot := *op
	m.mu.Unlock()

	m.logger.Debug("operation created", zap.String("operation_id", op.ID), zap.String("temp_id", string(op.TempID)))
	m.publish(bus.KindOpCreated, &snapshot, nil)
	return snapshot.Record(), snapshot
}

// ErrInterrupted is the failure recorded on operations adopted from a
// previous run.
var ErrInterrupted = errors.New("send interrupted")

// Adopt re-registers an unconfirmed record left in the local store by an
// earlier run as a failed operation, so it can be retried or canceled.
// Records that are not optimistic, or whose operation is already known,
// are returned unchanged.
func (m *Manager) Adopt(rec store.Message) (store.Message, bool) {
	if !rec.Optimistic || rec.OperationID == "" || !rec.ID.IsTemporary() || rec.Status == store.StatusConfirmed {
		return rec, false
	}
	m.mu.Lock()
	if _, ok := m.ops[rec.OperationID]; ok {
		m.mu.Unlock()
		return rec, false
	}
	if _, dead := m.tombstones[rec.OperationID]; dead {
		m.mu.Unlock()
		return rec, false
	}
	replyTo, _ := rec.ReplyTo.ServerID()
	op := &Operation{
		ID:   rec.OperationID,
		Kind: KindSendMessage,
		Payload: Payload{
			ConversationID: rec.ConversationID,
			ReceiverID:     rec.ReceiverID,
			RoomID:         rec.RoomID,
			Content:        rec.Content,
			Type:           rec.Type,
			File:           rec.File,
			ReplyTo:        replyTo,
			Sender:         SenderInfo{ID: rec.SenderID},
		},
		Status:    StatusFailed,
		TempID:    store.TemporaryID(rec.ID),
		CreatedAt: rec.CreatedAt,
		Attempts:  1,
		LastErr:   ErrInterrupted,
	}
	m.ops[op.ID] = op
	snapshot := *op
	m.mu.Unlock()

	m.logger.Info("adopted interrupted operation", zap.String("operation_id", op.ID), zap.String("temp_id", string(op.TempID)))
	m.publish(bus.KindOpFailed, &snapshot, ErrInterrupted)
	return snapshot.Record(), true
}

// Confirm resolves a pending operation with the server-assigned id. The
// caller replaces the temporary record with the server record.
func (m *Manager) Confirm(id string, serverID store.ServerID) (Operation, error) {
	m.mu.Lock()
	if _, dead := m.tombstones[id]; dead {
		m.mu.Unlock()
		m.logger.Info("discarding confirm for rolled back operation", zap.String("operation_id", id), zap.String("server_id", string(serverID)))
		return Operation{}, fmt.Errorf("confirm %s: %w", id, ErrConflictOnConfirm)
	}
	op, err := m.transitionLocked(id, StatusConfirmed)
	if err != nil {
		m.mu.Unlock()
		return Operation{}, err
	}
	op.ServerID = serverID
	op.LastErr = nil
	snapshot := *op
	m.mu.Unlock()

	m.publish(bus.KindOpConfirmed, &snapshot, nil)
	return snapshot, nil
}

// Fail marks a pending operation failed. Its record stays visible.
func (m *Manager) Fail(id string, cause error) (Operation, error) {
	m.mu.Lock()
	op, err := m.transitionLocked(id, StatusFailed)
	if err != nil {
		m.mu.Unlock()
		return Operation{}, err
	}
	op.LastErr = cause
	snapshot := *op
	m.mu.Unlock()

	m.logger.Warn("operation failed", zap.String("operation_id", id), zap.Error(cause))
	m.publish(bus.KindOpFailed, &snapshot, cause)
	return snapshot, nil
}

// Retry re-arms a failed operation and returns it for resubmission.
func (m *Manager) Retry(id string) (Operation, error) {
	m.mu.Lock()
	op, err := m.transitionLocked(id, StatusPending)
	if err != nil {
		m.mu.Unlock()
		return Operation{}, err
	}
	op.Attempts++
	snapshot := *op
	m.mu.Unlock()

	m.publish(bus.KindOpRetried, &snapshot, nil)
	return snapshot, nil
}

// Rollback discards an operation in any state. The caller removes its
// record. Later calls for the same id are no-ops.
func (m *Manager) Rollback(id string) (Operation, error) {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return Operation{}, fmt.Errorf("rollback %s: %w", id, ErrOperationNotFound)
	}
	delete(m.ops, id)
	m.tombstoneLocked(id)
	snapshot := *op
	m.mu.Unlock()

	m.publish(bus.KindOpRolledBack, &snapshot, nil)
	return snapshot, nil
}

// Forget drops a confirmed operation once its result has been applied.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.ops[id]; ok && op.Status == StatusConfirmed {
		delete(m.ops, id)
	}
}

// Get returns a copy of the operation.
func (m *Manager) Get(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Pending returns every unconfirmed operation, oldest first.
func (m *Manager) Pending() []Operation {
	m.mu.Lock()
	out := make([]Operation, 0, len(m.ops))
	for _, op := range m.ops {
		if op.Status != StatusConfirmed {
			out = append(out, *op)
		}
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Operation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (m *Manager) transitionLocked(id string, to Status) (*Operation, error) {
	op, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", to, id, ErrOperationNotFound)
	}
	if !slices.Contains(validTransitions[op.Status], to) {
		return nil, fmt.Errorf("%s %s from %s: %w", to, id, op.Status, ErrInvalidTransition)
	}
	op.Status = to
	return op, nil
}

func (m *Manager) tombstoneLocked(id string) {
	m.tombstones[id] = struct{}{}
	m.tombOrder = append(m.tombOrder, id)
	if len(m.tombOrder) > maxTombstones {
		delete(m.tombstones, m.tombOrder[0])
		m.tombOrder = m.tombOrder[1:]
	}
}

func (m *Manager) publish(kind string, op *Operation, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(kind, bus.OperationEvent{
		OperationID:    op.ID,
		ConversationID: op.Payload.ConversationID,
		MessageID:      string(op.TempID),
		Err:            err,
	})
}
