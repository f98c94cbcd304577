package logic

import (
	"github.com/veridian-controls/bmscore/internal/leadlag"
	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/types"
)

// DefaultPressureSetpoint is the loop differential pressure target in psi.
const DefaultPressureSetpoint = 12.0

// Pump coordinates a redundant pump (or chiller) set through lead-lag: the
// lead modulates speed against loop pressure, lags stay off. Ungrouped units
// behave as a group of one.
func Pump(in Inputs) (Outputs, error) {
	d := leadlag.Decide(in.Group, in.Equipment.ID, in.LeadMetrics, in.Now)

	out := Outputs{
		GroupChanged: d.Changed,
		Events:       d.Events,
		PIDStates:    in.PIDStates,
	}

	if !d.ShouldRun {
		out.Commands = []types.ControlCommand{
			command(in, "unitEnable", types.Boolean(false)),
			command(in, "pumpSpeed", types.Number(0)),
		}
		return out, nil
	}

	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultPressureSetpoint
	}

	speed := 100.0
	if usable(in.Metrics) && in.Metrics.HasField(pressureKeys...) {
		pressure := in.Metrics.NumField(setpoint, pressureKeys...)
		gains := gainsFor(in.Equipment.Config, PressureController, DefaultHeatingGains)
		v, st := pid.Compute(pressure, setpoint, gains, dtOrDefault(in.Dt), PressureController, pidStateFor(in, PressureController))
		speed = v
		out.PIDStates = withPID(in, PressureController, st)
	}
	// Without pressure telemetry the lead runs at full speed rather than
	// letting the loop stall.

	out.Commands = []types.ControlCommand{
		command(in, "unitEnable", types.Boolean(true)),
		command(in, "pumpSpeed", types.Number(round1(speed))),
	}
	return out, nil
}
