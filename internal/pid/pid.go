// Package pid implements the stateful PID controllers used by the control
// functions. A controller is pure given its state; the caller guarantees
// serialization per key (one active job per equipment).
package pid

import (
	"math"
	"sync"

	"github.com/veridian-controls/bmscore/internal/types"
)

// CoolingKey selects direct-acting error (input above setpoint drives the
// output up). Every other key is reverse-acting.
const CoolingKey = "cooling"

// Compute runs one PID step and returns the clamped output plus the updated
// state. dt is in seconds and must be positive.
func Compute(input, setpoint float64, gains types.PIDGains, dt float64, controllerKey string, state types.PIDState) (float64, types.PIDState) {
	if dt <= 0 {
		dt = 1
	}

	var err float64
	if controllerKey == CoolingKey {
		err = input - setpoint
	} else {
		err = setpoint - input
	}

	p := gains.Kp * err

	// First evaluation: proportional only. There is no previous error for
	// the derivative and accumulating on an unprimed loop causes a kick.
	if !state.Initialized {
		out := clampOutput(p, gains)
		return out, types.PIDState{
			Integral:      0,
			PreviousError: err,
			LastOutput:    out,
			Initialized:   true,
		}
	}

	// Integral with anti-windup: integrate only when the output is not
	// saturated, or when the new contribution would pull it back inside
	// the limits.
	integral := state.Integral
	if allowIntegration(state.LastOutput, gains.Ki*err, gains) {
		integral += gains.Ki * err * dt
	}
	integral = clampIntegral(integral, gains)

	d := gains.Kd * (err - state.PreviousError) / dt

	out := clampOutput(p+integral+d, gains)

	return out, types.PIDState{
		Integral:      integral,
		PreviousError: err,
		LastOutput:    out,
		Initialized:   true,
	}
}

// allowIntegration reports whether the integral may accumulate. A saturated
// loop only integrates when the contribution moves the output back toward
// the band.
func allowIntegration(last, contribution float64, gains types.PIDGains) bool {
	if last >= gains.OutMax {
		return contribution < 0
	}
	if last <= gains.OutMin {
		return contribution > 0
	}
	return true
}

func clampOutput(out float64, gains types.PIDGains) float64 {
	if out > gains.OutMax {
		return gains.OutMax
	}
	if out < gains.OutMin {
		return gains.OutMin
	}
	return out
}

// clampIntegral bounds the integral term to ±(outMax−outMin)/max(ki, 0.1).
func clampIntegral(integral float64, gains types.PIDGains) float64 {
	ki := gains.Ki
	if ki < 0.1 {
		ki = 0.1
	}
	limit := math.Abs(gains.OutMax-gains.OutMin) / ki
	if integral > limit {
		return limit
	}
	if integral < -limit {
		return -limit
	}
	return integral
}

// Store is the per-process home of controller state, keyed by
// (equipmentID, controllerKey). State is created lazily on the first
// evaluation and reset when configuration changes materially. Safe for use
// by concurrent workers.
type Store struct {
	mu     sync.Mutex
	states map[stateKey]types.PIDState
}

type stateKey struct {
	equipmentID   string
	controllerKey string
}

// NewStore creates an empty controller state store.
func NewStore() *Store {
	return &Store{states: make(map[stateKey]types.PIDState)}
}

// Get returns the state for a controller, zero-valued if never seen.
func (s *Store) Get(equipmentID, controllerKey string) types.PIDState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[stateKey{equipmentID, controllerKey}]
}

// Put persists the state for a controller.
func (s *Store) Put(equipmentID, controllerKey string, st types.PIDState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey{equipmentID, controllerKey}] = st
}

// Reset drops every controller belonging to an equipment, forcing a fresh
// start on the next evaluation.
func (s *Store) Reset(equipmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(equipmentID)
}

func (s *Store) reset(equipmentID string) {
	for k := range s.states {
		if k.equipmentID == equipmentID {
			delete(s.states, k)
		}
	}
}

// Snapshot returns a copy of every state for an equipment, keyed by
// controller key.
func (s *Store) Snapshot(equipmentID string) map[string]types.PIDState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.PIDState)
	for k, v := range s.states {
		if k.equipmentID == equipmentID {
			out[k.controllerKey] = v
		}
	}
	return out
}

// Restore replaces every state for an equipment with the given snapshot.
func (s *Store) Restore(equipmentID string, snap map[string]types.PIDState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(equipmentID)
	for key, st := range snap {
		s.states[stateKey{equipmentID, key}] = st
	}
}
