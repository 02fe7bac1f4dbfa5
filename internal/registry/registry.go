// Package registry owns the set of validated server targets. It performs no
// network I/O; the poller reads connection descriptors from it each tick.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fleetpulse/fleetpulse/internal/models"
)

// ValidationError reports a target that was rejected at registration time.
type ValidationError struct {
	Alias  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Alias, e.Reason)
}

// ErrUnknownAlias is returned by Enable/Disable/Get for unregistered aliases.
type ErrUnknownAlias struct {
	Alias string
}

func (e *ErrUnknownAlias) Error() string {
	return fmt.Sprintf("unknown server alias %q", e.Alias)
}

// connState tracks the latest observed connectivity per target.
type connState struct {
	lastSeen       time.Time
	lastResponseMS float64
	lastError      string
	reachable      bool
}

// Registry holds registered targets in insertion order.
type Registry struct {
	mu       sync.RWMutex
	targets  []*models.ServerTarget
	byAlias  map[string]*models.ServerTarget
	conn     map[string]*connState
	validate *validator.Validate
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byAlias:  make(map[string]*models.ServerTarget),
		conn:     make(map[string]*connState),
		validate: validator.New(),
	}
}

// Register validates and adds a target. The alias must be unique and the
// address well formed; violations return a *ValidationError.
func (r *Registry) Register(target models.ServerTarget) error {
	if err := r.validate.Struct(&target); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{
				Alias:  target.Alias,
				Reason: fmt.Sprintf("field %s failed %q validation", errs[0].Field(), errs[0].Tag()),
			}
		}
		return &ValidationError{Alias: target.Alias, Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byAlias[target.Alias]; exists {
		return &ValidationError{Alias: target.Alias, Reason: "alias already registered"}
	}

	t := target
	r.targets = append(r.targets, &t)
	r.byAlias[t.Alias] = &t
	r.conn[t.Alias] = &connState{}
	return nil
}

// List returns all targets in insertion order.
func (r *Registry) List() []models.ServerTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ServerTarget, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, *t)
	}
	return out
}

// Enabled returns the targets currently eligible for polling.
func (r *Registry) Enabled() []models.ServerTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ServerTarget, 0, len(r.targets))
	for _, t := range r.targets {
		if t.Enabled {
			out = append(out, *t)
		}
	}
	return out
}

// Get looks up a target by alias.
func (r *Registry) Get(alias string) (models.ServerTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byAlias[alias]
	if !ok {
		return models.ServerTarget{}, &ErrUnknownAlias{Alias: alias}
	}
	return *t, nil
}

// Enable resumes polling for a target. History is unaffected.
func (r *Registry) Enable(alias string) error {
	return r.setEnabled(alias, true)
}

// Disable pauses polling for a target without removing derived state.
func (r *Registry) Disable(alias string) error {
	return r.setEnabled(alias, false)
}

func (r *Registry) setEnabled(alias string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byAlias[alias]
	if !ok {
		return &ErrUnknownAlias{Alias: alias}
	}
	t.Enabled = enabled
	return nil
}

// RecordPoll updates the connectivity state after a completed poll.
func (r *Registry) RecordPoll(alias string, at time.Time, responseMS float64, reachable bool, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conn[alias]
	if !ok {
		return
	}
	cs.lastResponseMS = responseMS
	cs.reachable = reachable
	cs.lastError = lastError
	if reachable {
		cs.lastSeen = at
	}
}

// Status describes the latest observed connectivity for one target.
type Status struct {
	Alias          string    `json:"alias"`
	Reachable      bool      `json:"reachable"`
	LastSeen       time.Time `json:"last_seen"`
	LastResponseMS float64   `json:"last_response_time_ms"`
	LastError      string    `json:"last_error,omitempty"`
}

// GetStatus reports the connectivity state of a target.
func (r *Registry) GetStatus(alias string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.conn[alias]
	if !ok {
		return Status{}, &ErrUnknownAlias{Alias: alias}
	}
	return Status{
		Alias:          alias,
		Reachable:      cs.reachable,
		LastSeen:       cs.lastSeen,
		LastResponseMS: cs.lastResponseMS,
		LastError:      cs.lastError,
	}, nil
}
