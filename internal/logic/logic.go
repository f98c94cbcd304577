package logic

import (
	"github.com/veridian-controls/bmscore/internal/types"
)

// Controller keys into EquipmentConfig.Gains and the PID store.
const (
	HeatingController  = "heating"
	CoolingController  = "cooling"
	PressureController = "pressure"
)

// Field fallback chains. Telemetry arrives from several generations of field
// devices with inconsistent naming; the first present key wins.
var (
	oatKeys      = []string{"oat", "OAT", "outdoorTemp", "OutdoorTemp", "outdoorAirTemp", "outsideAirTemp"}
	supplyKeys   = []string{"supply", "Supply", "SupplyTemp", "supplyTemperature", "SAT", "supplyTemp"}
	roomTempKeys = []string{"roomTemp", "RoomTemp", "spaceTemp", "zoneTemp", "temperature", "Temperature"}
	pressureKeys = []string{"pressure", "Pressure", "loopPressure", "staticPressure", "dp"}
	occupiedKeys = []string{"occupied", "Occupied", "occupancy"}
)

// DefaultHeatingGains drive the boiler and heating-valve loops.
var DefaultHeatingGains = types.PIDGains{Kp: 0.5, Ki: 0.05, Kd: 0.05, OutMin: 0, OutMax: 100}

// DefaultCoolingGains drive cooling-valve loops.
var DefaultCoolingGains = types.PIDGains{Kp: 0.5, Ki: 0.05, Kd: 0.05, OutMin: 0, OutMax: 100}

// DefaultBoilerOAR is the comfort-boiler reset curve: 165 °F supply at
// 32 °F outdoors sliding to 85 °F supply at 75 °F outdoors.
var DefaultBoilerOAR = types.OARCurve{
	Enabled:     true,
	OutdoorLow:  32,
	OutdoorHigh: 75,
	SupplyAtLow: 165,
	SupplyAtHi:  85,
}

// oarSetpoint interpolates the reset curve at oat, clamped to the curve's
// supply band outside the outdoor band.
func oarSetpoint(curve types.OARCurve, oat float64) float64 {
	if curve.OutdoorHigh == curve.OutdoorLow {
		return curve.SupplyAtLow
	}
	if oat <= curve.OutdoorLow {
		return curve.SupplyAtLow
	}
	if oat >= curve.OutdoorHigh {
		return curve.SupplyAtHi
	}
	frac := (oat - curve.OutdoorLow) / (curve.OutdoorHigh - curve.OutdoorLow)
	return curve.SupplyAtLow + frac*(curve.SupplyAtHi-curve.SupplyAtLow)
}

// gainsFor resolves the configured gains for a controller, falling back to
// def when absent or unusable.
func gainsFor(cfg types.EquipmentConfig, controller string, def types.PIDGains) types.PIDGains {
	g, ok := cfg.Gains[controller]
	if !ok || (g.Kp == 0 && g.Ki == 0 && g.Kd == 0) {
		return def
	}
	if g.OutMax <= g.OutMin {
		g.OutMin, g.OutMax = def.OutMin, def.OutMax
	}
	return g
}

// pidStateFor pulls the prior loop state out of the inputs.
func pidStateFor(in Inputs, controller string) types.PIDState {
	if in.PIDStates == nil {
		return types.PIDState{}
	}
	return in.PIDStates[controller]
}

// dtOrDefault guards against a zero elapsed interval on the first tick.
func dtOrDefault(dt float64) float64 {
	if dt <= 0 {
		return 60
	}
	return dt
}

// cachedValue fetches a field from the cached state, if present.
func cachedValue(in Inputs, key string) (types.FieldValue, bool) {
	if in.State == nil || in.State.Fields == nil {
		return types.FieldValue{}, false
	}
	v, ok := in.State.Fields[key]
	return v, ok
}

// command builds an automatic control command, carrying the previous cached
// value when one exists. IDs are assigned at write time.
func command(in Inputs, cmdType string, value types.FieldValue) types.ControlCommand {
	cmd := types.ControlCommand{
		EquipmentID: in.Equipment.ID,
		SiteID:      in.Equipment.SiteID,
		CommandType: cmdType,
		Value:       value,
		Source:      types.SourceAuto,
		IssuedAt:    in.Now,
		Status:      types.CommandPending,
	}
	if prev, ok := cachedValue(in, cmdType); ok {
		p := prev
		cmd.PreviousValue = &p
	}
	return cmd
}

// shutdownCommands holds a unit in its safe state.
func shutdownCommands(in Inputs, enableType, rateType, reason string) []types.ControlCommand {
	off := command(in, enableType, types.Boolean(false))
	off.Priority = true
	off.SafetyOverride = true
	off.Details = reason
	zero := command(in, rateType, types.Number(0))
	zero.Priority = true
	zero.SafetyOverride = true
	zero.Details = reason
	return []types.ControlCommand{off, zero}
}

// withPID returns a copy of the input PID map with the controller updated.
func withPID(in Inputs, controller string, st types.PIDState) map[string]types.PIDState {
	out := make(map[string]types.PIDState, len(in.PIDStates)+1)
	for k, v := range in.PIDStates {
		out[k] = v
	}
	out[controller] = st
	return out
}

// round1 keeps emitted analog values to a tenth; field actuators do not
// resolve finer and stable values avoid churn in the command history.
func round1(v float64) float64 {
	return float64(int64(v*10+ieeeHalf(v))) / 10
}

func ieeeHalf(v float64) float64 {
	if v < 0 {
		return -0.5
	}
	return 0.5
}

// usable reports whether a sample can close a control loop.
func usable(m *types.MetricSample) bool {
	return m != nil && !m.Stale && len(m.Fields) > 0
}
