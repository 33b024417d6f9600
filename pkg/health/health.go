// Package health tracks the health of the services a GEDS client depends on:
// the metadata service, the local cache and every registered object store.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/geds/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates recent failures; requests may still succeed
	StateDegraded

	// StateUnavailable indicates the component keeps failing
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	LastStateChange      time.Time   `json:"last_state_change"`
	LastHealthCheck      time.Time   `json:"last_health_check"`
	ConsecutiveErrors    int         `json:"consecutive_errors"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	LastErrorMessage     string      `json:"last_error_message,omitempty"`
	LastErrorCode        string      `json:"last_error_code,omitempty"`
}

// Report is the health of every tracked component at one point in time.
type Report struct {
	Overall    HealthState       `json:"overall"`
	Components []ComponentHealth `json:"components"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a
	// component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before
	// marking a component unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes needed to
	// become healthy again
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 3,
		RecoveryThreshold:    1,
	}
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// Tracker tracks the health of multiple components. The overall state is
// the worst component state.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	onChange   StateChangeCallback
}

// NewTracker creates a tracker. onChange may be nil; it runs synchronously
// without the tracker lock held.
func NewTracker(config TrackerConfig, onChange StateChangeCallback) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		onChange:   onChange,
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(name)
}

func (t *Tracker) registerLocked(name string) *ComponentHealth {
	health, exists := t.components[name]
	if !exists {
		now := time.Now()
		health = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
		}
		t.components[name] = health
	}
	return health
}

// Forget stops tracking a component.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.components, name)
}

// RecordSuccess records a successful check or operation of a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	health := t.registerLocked(component)
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors = 0
	health.ConsecutiveSuccesses++

	old := health.State
	if old != StateHealthy && health.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
		t.transitionLocked(health, StateHealthy)
	}
	t.mu.Unlock()

	t.notify(component, old, health, nil)
}

// RecordError records a failed check or operation of a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	health := t.registerLocked(component)
	health.LastHealthCheck = time.Now()
	health.ConsecutiveSuccesses = 0
	health.ConsecutiveErrors++
	health.LastErrorMessage = err.Error()
	health.LastErrorCode = string(errors.CodeOf(err))

	old := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		t.transitionLocked(health, StateUnavailable)
	case health.ConsecutiveErrors >= t.config.ErrorThreshold && old == StateHealthy:
		t.transitionLocked(health, StateDegraded)
	}
	t.mu.Unlock()

	t.notify(component, old, health, err)
}

func (t *Tracker) transitionLocked(health *ComponentHealth, state HealthState) {
	if health.State == state {
		return
	}
	health.State = state
	health.LastStateChange = time.Now()
	if state == StateHealthy {
		health.LastErrorMessage = ""
		health.LastErrorCode = ""
	}
}

func (t *Tracker) notify(component string, old HealthState, health *ComponentHealth, err error) {
	if t.onChange == nil {
		return
	}
	t.mu.RLock()
	state := health.State
	t.mu.RUnlock()
	if state != old {
		t.onChange(component, old, state, err)
	}
}

// Check runs fn and records its outcome for component.
func (t *Tracker) Check(ctx context.Context, component string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		t.RecordError(component, err)
	} else {
		t.RecordSuccess(component)
	}
	return err
}

// GetState returns the state of a component. Unknown components are
// healthy.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if health, ok := t.components[component]; ok {
		return health.State
	}
	return StateHealthy
}

// Report returns a copy of every component sorted by name.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := Report{Overall: StateHealthy, Components: make([]ComponentHealth, 0, len(t.components))}
	for _, health := range t.components {
		report.Components = append(report.Components, *health)
		if health.State > report.Overall {
			report.Overall = health.State
		}
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}
