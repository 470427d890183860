package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/prism-interpreters/pkg/interpreter"
)

// ExecutionRequest asks for one paragraph to run under a setting
type ExecutionRequest struct {
	SettingID   string `json:"setting"`
	UserID      string `json:"user"`
	NoteID      string `json:"note"`
	ParagraphID string `json:"paragraph"`
	Payload     string `json:"payload"`
}

// ExecutionHandle tracks one submitted execution
type ExecutionHandle struct {
	ID        string
	Request   ExecutionRequest
	CreatedAt time.Time

	mu         sync.Mutex
	status     interpreter.Status
	output     string
	err        error
	finishedAt time.Time
	done       chan struct{}
}

func newExecutionHandle(req ExecutionRequest, now time.Time) *ExecutionHandle {
	return &ExecutionHandle{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: now,
		status:    interpreter.StatusRunning,
		done:      make(chan struct{}),
	}
}

// Status returns RUNNING until the execution finishes
func (h *ExecutionHandle) Status() interpreter.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Output returns what the interpreter printed
func (h *ExecutionHandle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// Err returns the lifecycle error that failed the execution, if any.
// Evaluation errors inside the interpreter are reported as ERROR status with
// the message in the output, not here.
func (h *ExecutionHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the execution reaches a terminal status
func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the execution finishes or ctx is done. Giving up on the
// wait does not cancel the execution.
func (h *ExecutionHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ExecutionHandle) complete(res *interpreter.Result, now time.Time) {
	h.finish(res.Status, res.Output, nil, now)
}

func (h *ExecutionHandle) fail(err error, now time.Time) {
	h.finish(interpreter.StatusError, "", err, now)
}

func (h *ExecutionHandle) finish(status interpreter.Status, output string, err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status.Terminal() {
		return
	}
	h.status = status
	h.output = output
	h.err = err
	h.finishedAt = now
	close(h.done)
}

// HandleSnapshot is a point-in-time view of an ExecutionHandle
type HandleSnapshot struct {
	ID          string             `json:"id"`
	SettingID   string             `json:"setting"`
	UserID      string             `json:"user"`
	NoteID      string             `json:"note"`
	ParagraphID string             `json:"paragraph"`
	Status      interpreter.Status `json:"status"`
	Output      string             `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// Snapshot returns the current view of the handle
func (h *ExecutionHandle) Snapshot() HandleSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HandleSnapshot{
		ID:          h.ID,
		SettingID:   h.Request.SettingID,
		UserID:      h.Request.UserID,
		NoteID:      h.Request.NoteID,
		ParagraphID: h.Request.ParagraphID,
		Status:      h.status,
		Output:      h.output,
		CreatedAt:   h.CreatedAt,
	}
	if h.err != nil {
		s.Error = h.err.Error()
	}
	if !h.finishedAt.IsZero() {
		finished := h.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// executionStore keeps handles for polling. Once over the limit, the oldest
// finished handles are evicted; running handles are never evicted.
type executionStore struct {
	limit int

	mu    sync.Mutex
	byID  map[string]*ExecutionHandle
	order []string
}

func newExecutionStore(limit int) *executionStore {
	return &executionStore{
		limit: limit,
		byID:  make(map[string]*ExecutionHandle),
	}
}

func (s *executionStore) add(h *ExecutionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[h.ID] = h
	s.order = append(s.order, h.ID)
	if len(s.order) <= s.limit {
		return
	}

	excess := len(s.order) - s.limit
	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.byID[id].Status().Terminal() {
			delete(s.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *executionStore) get(id string) (*ExecutionHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byID[id]
	return h, ok
}

func (s *executionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
