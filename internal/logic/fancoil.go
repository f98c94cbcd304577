package logic

import (
	"errors"

	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/types"
)

// Fan coil defaults.
const (
	DefaultRoomSetpoint = 72.0
	DefaultDeadbandF    = 1.0

	// Outdoor damper economizer band: fully open inside, closed outside.
	damperOATMin = 40.0
	damperOATMax = 80.0
)

// FanCoil runs a four-pipe fan coil: mode selection with a deadband around
// the room setpoint, one valve loop per mode, fan staging by demand and an
// economizer damper.
func FanCoil(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for fan coil control"))
	}

	room := in.Metrics.NumField(DefaultRoomSetpoint, roomTempKeys...)
	if !in.Metrics.HasField(roomTempKeys...) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("room temperature missing from telemetry"))
	}

	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultRoomSetpoint
	}
	deadband := in.Equipment.Config.DeadbandF
	if deadband <= 0 {
		deadband = DefaultDeadbandF
	}

	mode := selectMode(in, room, setpoint, deadband)

	var (
		heatOut, coolOut float64
		states           = in.PIDStates
	)
	switch mode {
	case "heat":
		gains := gainsFor(in.Equipment.Config, HeatingController, DefaultHeatingGains)
		out, st := pid.Compute(room, setpoint, gains, dtOrDefault(in.Dt), HeatingController, pidStateFor(in, HeatingController))
		heatOut = out
		states = withPID(in, HeatingController, st)
	case "cool":
		gains := gainsFor(in.Equipment.Config, CoolingController, DefaultCoolingGains)
		out, st := pid.Compute(room, setpoint, gains, dtOrDefault(in.Dt), pid.CoolingKey, pidStateFor(in, CoolingController))
		coolOut = out
		states = withPID(in, CoolingController, st)
	default:
		// Inside the deadband both valves close and the loops coast.
	}

	oat := in.Metrics.NumField(60, oatKeys...)
	damper := 0.0
	if oat > damperOATMin && oat < damperOATMax {
		damper = 100
	}

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "mode", types.String(mode)),
			command(in, "heatingValvePosition", types.Number(round1(heatOut))),
			command(in, "coolingValvePosition", types.Number(round1(coolOut))),
			command(in, "fanEnabled", types.Boolean(true)),
			command(in, "fanSpeed", types.String(fanSpeed(room, setpoint, deadband))),
			command(in, "outdoorDamperPosition", types.Number(damper)),
		},
		PIDStates: states,
	}, nil
}

// selectMode picks heat/cool/off with hysteresis: outside the deadband the
// side of the error decides; inside it the previous mode is kept so the unit
// does not thrash across the setpoint.
func selectMode(in Inputs, room, setpoint, deadband float64) string {
	switch {
	case room > setpoint+deadband:
		return "cool"
	case room < setpoint-deadband:
		return "heat"
	}
	if prev, ok := cachedValue(in, "mode"); ok && prev.Kind == types.FieldString && prev.Str != "" {
		return prev.Str
	}
	return "off"
}

// fanSpeed stages the fan by how far the room is from setpoint.
func fanSpeed(room, setpoint, deadband float64) string {
	diff := room - setpoint
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= deadband:
		return "low"
	case diff <= deadband+4:
		return "medium"
	default:
		return "high"
	}
}
