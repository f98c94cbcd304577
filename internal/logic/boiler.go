package logic

import (
	"errors"
	"fmt"

	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/types"
)

// SupplyTempSafetyMax is the hard ceiling for hydronic supply temperature.
// Crossing it shuts the unit down regardless of loop demand.
const SupplyTempSafetyMax = 170.0

// DefaultDomesticSetpoint is the fixed domestic hot water target in °F.
const DefaultDomesticSetpoint = 134.0

// BoilerComfort modulates a comfort-heating boiler. The supply setpoint
// follows the outdoor-air reset curve, and firing rate tracks it with the
// heating loop.
func BoilerComfort(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for boiler control"))
	}

	supply := in.Metrics.NumField(0, supplyKeys...)
	if !in.Metrics.HasField(supplyKeys...) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("supply temperature missing from telemetry"))
	}

	if supply > SupplyTempSafetyMax {
		reason := fmt.Sprintf("supply temperature %.1f exceeds %.0f limit", supply, SupplyTempSafetyMax)
		return Outputs{
			Commands:     shutdownCommands(in, "unitEnable", "firingRate", reason),
			PIDStates:    in.PIDStates,
			Safety:       true,
			SafetyReason: reason,
		}, nil
	}

	curve := DefaultBoilerOAR
	if in.Equipment.Config.OAR != nil && in.Equipment.Config.OAR.Enabled {
		curve = *in.Equipment.Config.OAR
	}
	oat := in.Metrics.NumField(60, oatKeys...)
	setpoint := oarSetpoint(curve, oat)

	gains := gainsFor(in.Equipment.Config, HeatingController, DefaultHeatingGains)
	rate, st := pid.Compute(supply, setpoint, gains, dtOrDefault(in.Dt), HeatingController, pidStateFor(in, HeatingController))

	sp := setpoint
	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "firingRate", types.Number(round1(rate))),
			command(in, "unitEnable", types.Boolean(true)),
			command(in, "supplyTempSetpoint", types.Number(round1(setpoint))),
		},
		PIDStates:   withPID(in, HeatingController, st),
		OARSetpoint: &sp,
	}, nil
}

// BoilerDomestic holds a fixed domestic hot water setpoint; no reset curve.
func BoilerDomestic(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for boiler control"))
	}

	supply := in.Metrics.NumField(0, supplyKeys...)
	if !in.Metrics.HasField(supplyKeys...) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("supply temperature missing from telemetry"))
	}

	if supply > SupplyTempSafetyMax {
		reason := fmt.Sprintf("supply temperature %.1f exceeds %.0f limit", supply, SupplyTempSafetyMax)
		return Outputs{
			Commands:     shutdownCommands(in, "unitEnable", "firingRate", reason),
			PIDStates:    in.PIDStates,
			Safety:       true,
			SafetyReason: reason,
		}, nil
	}

	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultDomesticSetpoint
	}

	gains := gainsFor(in.Equipment.Config, HeatingController, DefaultHeatingGains)
	rate, st := pid.Compute(supply, setpoint, gains, dtOrDefault(in.Dt), HeatingController, pidStateFor(in, HeatingController))

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "firingRate", types.Number(round1(rate))),
			command(in, "unitEnable", types.Boolean(true)),
		},
		PIDStates: withPID(in, HeatingController, st),
	}, nil
}
