// Package types holds the domain records shared across the core: sites,
// equipment, metric samples, control commands, jobs and equipment groups.
package types

import (
	"time"
)

// EquipmentType enumerates the unit types the logic registry ships with.
// New types are added by registering a control function, not by extending
// this list.
type EquipmentType string

const (
	BoilerComfort   EquipmentType = "boiler-comfort"
	BoilerDomestic  EquipmentType = "boiler-domestic"
	FanCoil         EquipmentType = "fan-coil"
	AirHandler      EquipmentType = "air-handler"
	Pump            EquipmentType = "pump"
	Chiller         EquipmentType = "chiller"
	DOAS            EquipmentType = "doas"
	GeothermalStage EquipmentType = "geothermal-stage"
	SteamBundle     EquipmentType = "steam-bundle"
	ExhaustFan      EquipmentType = "exhaust-fan"
	Generic         EquipmentType = "generic"
)

// Site is a physical location. Immutable during a run; reloading requires a
// restart of the site's scheduler.
type Site struct {
	ID        string   `json:"site_id"`
	Name      string   `json:"name"`
	Timezone  string   `json:"timezone"`
	Equipment []string `json:"equipment_ids"`
}

// PIDGains are the tunable controller parameters for one loop.
type PIDGains struct {
	Kp     float64 `json:"kp"`
	Ki     float64 `json:"ki"`
	Kd     float64 `json:"kd"`
	OutMin float64 `json:"out_min"`
	OutMax float64 `json:"out_max"`
}

// OARCurve is a linear outdoor-air-reset mapping, clamped outside the band.
type OARCurve struct {
	Enabled     bool    `json:"enabled"`
	OutdoorLow  float64 `json:"outdoor_low"`
	OutdoorHigh float64 `json:"outdoor_high"`
	SupplyAtLow float64 `json:"supply_at_low"`
	SupplyAtHi  float64 `json:"supply_at_high"`
}

// EquipmentConfig is the per-unit configuration blob from the config store.
// Missing fields fall back to the documented defaults at the point of use.
type EquipmentConfig struct {
	Setpoint      float64            `json:"setpoint"`
	DeadbandF     float64            `json:"deadband_f"`
	DeviationBand float64            `json:"deviation_band"`
	Gains         map[string]PIDGains `json:"gains"`
	OAR           *OARCurve          `json:"oar,omitempty"`
	GroupID       string             `json:"group_id,omitempty"`
	Extra         map[string]float64 `json:"extra,omitempty"`
}

// Equipment is one controllable unit at a site.
type Equipment struct {
	ID           string          `json:"equipment_id"`
	SiteID       string          `json:"site_id"`
	Type         EquipmentType   `json:"type"`
	Config       EquipmentConfig `json:"config"`
	CustomLogic  bool            `json:"custom_logic"`
}

// FieldValue is one telemetry field. Exactly one of Num, Bool, Str is
// meaningful, indicated by Kind.
type FieldValue struct {
	Kind FieldKind `json:"kind"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Str  string    `json:"str,omitempty"`
}

type FieldKind string

const (
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldString FieldKind = "string"
)

// Number builds a numeric field value.
func Number(v float64) FieldValue { return FieldValue{Kind: FieldNumber, Num: v} }

// Boolean builds a boolean field value.
func Boolean(v bool) FieldValue { return FieldValue{Kind: FieldBool, Bool: v} }

// String builds a string field value.
func String(v string) FieldValue { return FieldValue{Kind: FieldString, Str: v} }

// MetricSample is the newest telemetry for one unit. Produced externally;
// the core only ever reads the most recent sample per equipment.
type MetricSample struct {
	EquipmentID string                `json:"equipment_id"`
	SiteID      string                `json:"site_id"`
	Timestamp   time.Time             `json:"timestamp"`
	Fields      map[string]FieldValue `json:"fields"`
	// Stale is set by the reader when the sample is older than the
	// freshness window. Age carries how old it was at read time.
	Stale bool          `json:"stale,omitempty"`
	Age   time.Duration `json:"age,omitempty"`
}

// CommandSource says who or what issued a control command.
type CommandSource string

const (
	SourceUser     CommandSource = "user"
	SourceAuto     CommandSource = "auto"
	SourceFailover CommandSource = "failover"
	SourceRotation CommandSource = "rotation"
)

// CommandStatus is the terminal state of a command record.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// ControlCommand is one actuation record. Commands are append-only in the
// time-series store and mirrored into the state cache as current state.
type ControlCommand struct {
	ID             string        `json:"id"`
	EquipmentID    string        `json:"equipment_id"`
	SiteID         string        `json:"site_id"`
	CommandType    string        `json:"command_type"`
	Value          FieldValue    `json:"value"`
	PreviousValue  *FieldValue   `json:"previous_value,omitempty"`
	Source         CommandSource `json:"source"`
	UserID         string        `json:"user_id,omitempty"`
	UserName       string        `json:"user_name,omitempty"`
	IssuedAt       time.Time     `json:"issued_at"`
	Status         CommandStatus `json:"status"`
	Details        string        `json:"details,omitempty"`
	Priority       bool          `json:"priority,omitempty"`
	SafetyOverride bool          `json:"safety_override,omitempty"`
}

// EmergencyShutdown is the command type that bypasses normal priority
// resolution in the queue.
const EmergencyShutdown = "EMERGENCY_SHUTDOWN"

// PIDState is the memory of one controller loop. Lives in process memory;
// loss on restart is acceptable because the loops self-stabilize.
type PIDState struct {
	Integral      float64 `json:"integral"`
	PreviousError float64 `json:"previous_error"`
	LastOutput    float64 `json:"last_output"`
	Initialized   bool    `json:"initialized"`
}

// EquipmentGroup is a set of redundant units coordinated by lead-lag.
// Invariant: CurrentLeadID is always a member and there is exactly one lead.
type EquipmentGroup struct {
	ID               string        `json:"group_id"`
	SiteID           string        `json:"site_id"`
	Members          []string      `json:"members"`
	CurrentLeadID    string        `json:"current_lead_id"`
	UseLeadLag       bool          `json:"use_lead_lag"`
	AutoFailover     bool          `json:"auto_failover"`
	RotationInterval time.Duration `json:"rotation_interval"`
	LastRotationAt   time.Time     `json:"last_rotation_at"`
	LastFailoverAt   time.Time     `json:"last_failover_at"`
	FailoverCount    int           `json:"failover_count"`
	// LastHealthCheckAt gates the 30 s health probe cooldown.
	LastHealthCheckAt time.Time `json:"last_health_check_at"`
	// LastRotationCheckAt gates the 5 min rotation check cooldown.
	LastRotationCheckAt time.Time `json:"last_rotation_check_at"`
	// HealthRules are operator-supplied thresholds for non-boiler types.
	HealthRules *HealthRules `json:"health_rules,omitempty"`
}

// HealthRules are configurable health thresholds for a group's members.
// The zero value means "use the compiled-in boiler defaults".
type HealthRules struct {
	SupplyTempMax float64 `json:"supply_temp_max,omitempty"`
	FreezestatKey string  `json:"freezestat_key,omitempty"`
	StatusKey     string  `json:"status_key,omitempty"`
}

// IsMember reports whether id belongs to the group.
func (g *EquipmentGroup) IsMember(id string) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// NextAfter returns the member following id in list order, wrapping.
// Returns id itself for a group of one, and the first member when id is
// not present (covers removal of the current lead).
func (g *EquipmentGroup) NextAfter(id string) string {
	if len(g.Members) == 0 {
		return ""
	}
	for i, m := range g.Members {
		if m == id {
			return g.Members[(i+1)%len(g.Members)]
		}
	}
	return g.Members[0]
}

// Copy returns a deep copy of the group.
func (g *EquipmentGroup) Copy() *EquipmentGroup {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Members = append([]string(nil), g.Members...)
	if g.HealthRules != nil {
		hr := *g.HealthRules
		cp.HealthRules = &hr
	}
	return &cp
}

// LeadLagEventKind classifies a lead-lag audit record.
type LeadLagEventKind string

const (
	EventRotation       LeadLagEventKind = "rotation"
	EventFailover       LeadLagEventKind = "failover"
	EventManualOverride LeadLagEventKind = "manual-override"
)

// LeadLagEvent is the audit record emitted on every group transition.
type LeadLagEvent struct {
	GroupID     string           `json:"group_id"`
	EquipmentID string           `json:"equipment_id"`
	Kind        LeadLagEventKind `json:"kind"`
	Reason      string           `json:"reason"`
	At          time.Time        `json:"at"`
}
