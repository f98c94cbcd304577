package logic

import (
	"errors"

	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/types"
)

// Air handler defaults.
const (
	DefaultAHUSupplySetpoint = 55.0

	// Economizer band for the mixed-air damper.
	economizerOATMin = 40.0
	economizerOATMax = 65.0
	damperMinimum    = 20.0
)

// AirHandler sequences a single-duct air handler: supply fan on, discharge
// temperature held by heating and cooling valves in sequence, mixed-air
// damper at minimum position unless the outdoors can do free cooling.
func AirHandler(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for air handler control"))
	}
	if !in.Metrics.HasField(supplyKeys...) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("supply temperature missing from telemetry"))
	}

	supply := in.Metrics.NumField(DefaultAHUSupplySetpoint, supplyKeys...)
	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultAHUSupplySetpoint
	}

	// Sequenced valves: a discharge below setpoint opens heating, above
	// setpoint opens cooling. Only the active loop steps so the idle one
	// does not wind up.
	var heatOut, coolOut float64
	states := in.PIDStates
	if supply < setpoint {
		gains := gainsFor(in.Equipment.Config, HeatingController, DefaultHeatingGains)
		out, st := pid.Compute(supply, setpoint, gains, dtOrDefault(in.Dt), HeatingController, pidStateFor(in, HeatingController))
		heatOut = out
		states = withPID(in, HeatingController, st)
	} else if supply > setpoint {
		gains := gainsFor(in.Equipment.Config, CoolingController, DefaultCoolingGains)
		out, st := pid.Compute(supply, setpoint, gains, dtOrDefault(in.Dt), pid.CoolingKey, pidStateFor(in, CoolingController))
		coolOut = out
		states = withPID(in, CoolingController, st)
	}

	oat := in.Metrics.NumField(60, oatKeys...)
	damper := damperMinimum
	if oat > economizerOATMin && oat < economizerOATMax {
		damper = 100
	}

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "supplyFanEnable", types.Boolean(true)),
			command(in, "heatingValvePosition", types.Number(round1(heatOut))),
			command(in, "coolingValvePosition", types.Number(round1(coolOut))),
			command(in, "mixedAirDamperPosition", types.Number(damper)),
			command(in, "mixedAirSetpoint", types.Number(round1(setpoint))),
		},
		PIDStates: states,
	}, nil
}
