package logic

import (
	"github.com/veridian-controls/bmscore/internal/types"
)

// Exhaust fan defaults. The fan follows occupancy, or a static pressure
// threshold when the space has a pressure sensor.
const defaultExhaustPressureLimit = 0.05

// ExhaustFan is simple on/off control: run while occupied, and regardless
// of occupancy when space static pressure exceeds the relief threshold.
func ExhaustFan(in Inputs) (Outputs, error) {
	occupied := in.Metrics.BoolField(true, occupiedKeys...)

	limit := defaultExhaustPressureLimit
	if v, ok := in.Equipment.Config.Extra["pressure_limit"]; ok && v > 0 {
		limit = v
	}
	overPressure := in.Metrics.HasField(pressureKeys...) && in.Metrics.NumField(0, pressureKeys...) > limit

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "fanEnabled", types.Boolean(occupied || overPressure)),
		},
		PIDStates: in.PIDStates,
	}, nil
}
