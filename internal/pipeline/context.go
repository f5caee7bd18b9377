package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"lectern/internal/config"
	"lectern/internal/services"
	"lectern/internal/sources"
)

var (
	// ErrSlotWritten reports a second write to a slot.
	ErrSlotWritten = errors.New("pipeline slot already written")
	// ErrSlotMissing reports a read of a slot no stage has produced.
	ErrSlotMissing = errors.New("pipeline slot missing")
)

// State is the serialisable form of a Context.
type State struct {
	JobID       string                     `json:"job_id"`
	UserID      string                     `json:"user_id"`
	Source      sources.Descriptor         `json:"source"`
	ProfileName string                     `json:"profile_name"`
	Profile     config.Profile             `json:"profile"`
	Slots       map[string]json.RawMessage `json:"slots"`
}

// Context accumulates stage outputs for one job execution.
type Context struct {
	mu    sync.RWMutex
	state State
}

// New creates an empty context.
func New(jobID, userID string, source sources.Descriptor, profileName string, profile config.Profile) *Context {
	return &Context{state: State{
		JobID:       jobID,
		UserID:      userID,
		Source:      source,
		ProfileName: profileName,
		Profile:     profile,
		Slots:       make(map[string]json.RawMessage),
	}}
}

// Restore decodes a context persisted with Marshal.
func Restore(data []byte) (*Context, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode pipeline context: %w", err)
	}
	if state.Slots == nil {
		state.Slots = make(map[string]json.RawMessage)
	}
	return &Context{state: state}, nil
}

// Put marshals value into slot.
func (c *Context) Put(slot string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return services.Wrap(services.ErrValidation, slot, "pipeline put", "encode slot", err)
	}
	return c.PutRaw(slot, raw)
}

// PutRaw stores an already encoded payload in slot.
func (c *Context) PutRaw(slot string, raw json.RawMessage) error {
	slot = strings.TrimSpace(slot)
	if slot == "" {
		return services.Wrap(services.ErrValidation, "", "pipeline put", "slot name required", nil)
	}
	if !json.Valid(raw) {
		return services.Wrap(services.ErrValidation, slot, "pipeline put", "slot payload is not valid JSON", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.state.Slots[slot]; exists {
		return fmt.Errorf("%w: %s", ErrSlotWritten, slot)
	}
	c.state.Slots[slot] = slices.Clone(raw)
	return nil
}

// Has reports whether slot has been written.
func (c *Context) Has(slot string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.state.Slots[slot]
	return ok
}

// View returns a read-only snapshot.
func (c *Context) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{state: c.snapshotLocked()}
}

// Marshal encodes the context for persistence on the job row.
func (c *Context) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.state)
}

func (c *Context) snapshotLocked() State {
	state := c.state
	state.Slots = make(map[string]json.RawMessage, len(c.state.Slots))
	for k, v := range c.state.Slots {
		state.Slots[k] = slices.Clone(v)
	}
	state.Profile.SpreadsheetColumns = slices.Clone(c.state.Profile.SpreadsheetColumns)
	return state
}

// View is an immutable copy of a Context.
type View struct {
	state State
}

// JobID returns the owning job.
func (v View) JobID() string { return v.state.JobID }

// UserID returns the submitting user.
func (v View) UserID() string { return v.state.UserID }

// Source returns the input descriptor.
func (v View) Source() sources.Descriptor { return v.state.Source }

// ProfileName returns the resolved profile name.
func (v View) ProfileName() string { return v.state.ProfileName }

// Profile returns the resolved profile values.
func (v View) Profile() config.Profile {
	p := v.state.Profile
	p.SpreadsheetColumns = slices.Clone(p.SpreadsheetColumns)
	return p
}

// Raw returns the encoded payload of slot.
func (v View) Raw(slot string) (json.RawMessage, bool) {
	raw, ok := v.state.Slots[slot]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

// Slots lists written slot names in sorted order.
func (v View) Slots() []string {
	return slices.Sorted(maps.Keys(v.state.Slots))
}

// Get decodes slot from v into T.
func Get[T any](v View, slot string) (T, error) {
	var out T
	raw, ok := v.state.Slots[slot]
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrSlotMissing, slot)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, services.Wrap(services.ErrValidation, slot, "pipeline get", "decode slot", err)
	}
	return out, nil
}
