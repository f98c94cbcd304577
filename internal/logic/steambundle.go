package logic

import (
	"errors"
	"fmt"

	"github.com/veridian-controls/bmscore/internal/pid"
	"github.com/veridian-controls/bmscore/internal/types"
)

// Steam bundle defaults.
const (
	DefaultBundleSetpoint = 140.0

	// BundleTempSafetyMax shuts the steam valve when the heat exchanger
	// outlet runs away.
	BundleTempSafetyMax = 200.0
)

// SteamBundle modulates the steam valve on a shell-and-tube bundle heating
// a hydronic loop.
func SteamBundle(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for steam bundle control"))
	}
	if !in.Metrics.HasField(supplyKeys...) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("supply temperature missing from telemetry"))
	}

	supply := in.Metrics.NumField(0, supplyKeys...)
	if supply > BundleTempSafetyMax {
		reason := fmt.Sprintf("bundle outlet %.1f exceeds %.0f limit", supply, BundleTempSafetyMax)
		return Outputs{
			Commands:     shutdownCommands(in, "unitEnable", "steamValvePosition", reason),
			PIDStates:    in.PIDStates,
			Safety:       true,
			SafetyReason: reason,
		}, nil
	}

	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultBundleSetpoint
	}

	gains := gainsFor(in.Equipment.Config, HeatingController, DefaultHeatingGains)
	valve, st := pid.Compute(supply, setpoint, gains, dtOrDefault(in.Dt), HeatingController, pidStateFor(in, HeatingController))

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "steamValvePosition", types.Number(round1(valve))),
			command(in, "unitEnable", types.Boolean(true)),
		},
		PIDStates: withPID(in, HeatingController, st),
	}, nil
}
