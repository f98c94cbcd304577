// Package logic hosts the per-type control functions and the registry that
// resolves (site, equipment-type) to one of them. Control functions are
// pure: no I/O, deterministic for identical inputs.
package logic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/types"
)

// ErrUnknownType is returned when no control function is registered for an
// equipment type. Treated as a permanent job failure.
var ErrUnknownType = errors.New("logic: no control function for equipment type")

// Inputs is everything a control function may consult.
type Inputs struct {
	Equipment types.Equipment
	// Metrics is the latest sample for the unit, nil when unavailable.
	Metrics *types.MetricSample
	// State is the cached current state, nil when absent.
	State *statecache.EquipmentState
	// PIDStates holds this unit's controller states keyed by controller.
	PIDStates map[string]types.PIDState
	// Group and LeadMetrics are set for lead-lag grouped equipment.
	Group       *types.EquipmentGroup
	LeadMetrics *types.MetricSample
	// Dt is the seconds elapsed since the previous evaluation.
	Dt  float64
	Now time.Time
}

// Outputs is what a control function produces. The worker applies commands
// through the command writer, persists PID and group state, and escalates
// Safety.
type Outputs struct {
	Commands  []types.ControlCommand
	PIDStates map[string]types.PIDState
	// GroupChanged marks the (mutated in place) group for persistence.
	GroupChanged bool
	Events       []types.LeadLagEvent
	// OARSetpoint mirrors the computed reset setpoint when present.
	OARSetpoint *float64
	// Safety reports a condition that forbids continued operation; the
	// commands already hold the unit in its safe state.
	Safety       bool
	SafetyReason string
}

// ControlFunc evaluates one unit. It must not perform I/O.
type ControlFunc func(in Inputs) (Outputs, error)

type siteTypeKey struct {
	siteID string
	typ    types.EquipmentType
}

// Registry maps equipment types to control functions, with optional
// per-site overrides.
type Registry struct {
	mu     sync.RWMutex
	byType map[types.EquipmentType]ControlFunc
	bySite map[siteTypeKey]ControlFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[types.EquipmentType]ControlFunc),
		bySite: make(map[siteTypeKey]ControlFunc),
	}
}

// NewDefaultRegistry returns a registry with every shipped type installed.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(types.BoilerComfort, BoilerComfort)
	r.Register(types.BoilerDomestic, BoilerDomestic)
	r.Register(types.FanCoil, FanCoil)
	r.Register(types.AirHandler, AirHandler)
	r.Register(types.Pump, Pump)
	r.Register(types.Chiller, Pump) // chillers group and stage like pumps
	r.Register(types.DOAS, DOAS)
	r.Register(types.GeothermalStage, Geothermal)
	r.Register(types.SteamBundle, SteamBundle)
	r.Register(types.ExhaustFan, ExhaustFan)
	r.Register(types.Generic, Generic)
	return r
}

// Register installs the default control function for a type.
func (r *Registry) Register(typ types.EquipmentType, fn ControlFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = fn
}

// RegisterSite installs a site-specific override.
func (r *Registry) RegisterSite(siteID string, typ types.EquipmentType, fn ControlFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySite[siteTypeKey{siteID, typ}] = fn
}

// Resolve finds the control function for (siteID, typ). Site overrides win.
func (r *Registry) Resolve(siteID string, typ types.EquipmentType) (ControlFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.bySite[siteTypeKey{siteID, typ}]; ok {
		return fn, nil
	}
	if fn, ok := r.byType[typ]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
}
