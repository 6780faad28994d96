// Package checkpoint stores the state of preempted tasks so they can be
// resumed later.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/Iron-Ham/pacer/internal/store"
	"github.com/google/uuid"
)

// Namespace is the store namespace holding checkpoints.
const Namespace = "checkpoints"

// Checkpoint is the saved state of a preempted task.
type Checkpoint struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"task_id"`
	Source   string          `json:"source,omitempty"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Priority string          `json:"priority"`
	State    json.RawMessage `json:"state,omitempty"`
	// Progress is the fraction of work done, in [0,1].
	Progress  float64   `json:"progress"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager persists checkpoints in a store.
type Manager struct {
	store  *store.Store
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over st.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCheckpoint saves cp, assigning its ID and creation time.
func (m *Manager) CreateCheckpoint(cp Checkpoint) (Checkpoint, error) {
	if cp.TaskID == "" {
		return Checkpoint{}, errors.Validation("checkpoint.create", "task_id", "required")
	}
	if cp.Progress < 0 || cp.Progress > 1 {
		return Checkpoint{}, errors.Validation("checkpoint.create", "progress", "must be within [0,1]")
	}
	if len(cp.State) > 0 && !json.Valid(cp.State) {
		return Checkpoint{}, errors.Validation("checkpoint.create", "state", "must be valid JSON")
	}

	cp.State = compact(cp.State)
	cp.ID = "ckpt-" + uuid.NewString()
	cp.CreatedAt = m.now()
	if err := m.store.Put(Namespace, cp.ID, &cp); err != nil {
		return Checkpoint{}, err
	}
	m.logger.Info("checkpoint created",
		"checkpoint_id", cp.ID,
		"task_id", cp.TaskID,
		"progress", cp.Progress,
		"reason", cp.Reason,
	)
	return cp, nil
}

// GetCheckpoint loads the checkpoint with id.
func (m *Manager) GetCheckpoint(id string) (Checkpoint, error) {
	var cp Checkpoint
	if err := m.store.Get(Namespace, id, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	cp.State = compact(cp.State)
	return cp, nil
}

// compact strips the indentation the store adds to embedded state.
func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// DeleteCheckpoint removes the checkpoint with id. Missing checkpoints are
// not an error.
func (m *Manager) DeleteCheckpoint(id string) error {
	return m.store.Delete(Namespace, id)
}

// List returns every readable checkpoint, oldest first.
func (m *Manager) List() ([]Checkpoint, error) {
	keys, err := m.store.List(Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(keys))
	for _, k := range keys {
		var cp Checkpoint
		if err := m.store.Get(Namespace, k, &cp); err != nil {
			m.logger.Debug("skipping unreadable checkpoint", "key", k, "error", err)
			continue
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune deletes checkpoints older than maxAge and returns how many went.
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	all, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, cp := range all {
		if cp.CreatedAt.Before(cutoff) {
			if err := m.DeleteCheckpoint(cp.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
