package logic

import (
	"errors"

	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/types"
)

// DOAS defaults.
const (
	DefaultDOASSupplySetpoint = 68.0

	// Outside this outdoor band the energy recovery wheel is worth running.
	wheelOATLow  = 40.0
	wheelOATHigh = 80.0
)

// DOAS runs a dedicated outdoor air system: enabled while the space is
// occupied, discharge tempered toward a neutral setpoint, energy recovery
// wheel engaged when the outdoor extreme justifies it. Occupancy defaults to
// occupied when the schedule field is absent.
func DOAS(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for DOAS control"))
	}

	occupied := in.Metrics.BoolField(true, occupiedKeys...)
	if !occupied {
		return Outputs{
			Commands: []types.ControlCommand{
				command(in, "unitEnable", types.Boolean(false)),
				command(in, "energyWheelEnable", types.Boolean(false)),
			},
			PIDStates: in.PIDStates,
		}, nil
	}

	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultDOASSupplySetpoint
	}

	supply := in.Metrics.NumField(setpoint, supplyKeys...)
	var tempering float64
	states := in.PIDStates
	if in.Metrics.HasField(supplyKeys...) {
		gains := gainsFor(in.Equipment.Config, HeatingController, DefaultHeatingGains)
		out, st := pid.Compute(supply, setpoint, gains, dtOrDefault(in.Dt), HeatingController, pidStateFor(in, HeatingController))
		tempering = out
		states = withPID(in, HeatingController, st)
	}

	oat := in.Metrics.NumField(60, oatKeys...)
	wheel := oat < wheelOATLow || oat > wheelOATHigh

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "unitEnable", types.Boolean(true)),
			command(in, "supplyTempSetpoint", types.Number(round1(setpoint))),
			command(in, "temperingValvePosition", types.Number(round1(tempering))),
			command(in, "energyWheelEnable", types.Boolean(wheel)),
		},
		PIDStates: states,
	}, nil
}
