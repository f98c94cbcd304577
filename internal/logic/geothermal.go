package logic

import (
	"errors"

	"github.com/veridian-controls/bmscore/internal/types"
)

// Geothermal staging defaults.
const (
	DefaultLoopSetpoint = 50.0
	DefaultStageCount   = 4.0

	// Hysteresis around the loop setpoint before a stage change.
	stageUpError   = 2.0
	stageDownError = 2.0
)

// Geothermal stages ground-loop heat pump capacity against the loop
// temperature. Stage count is a step machine with hysteresis, the current
// stage carried in the state cache.
func Geothermal(in Inputs) (Outputs, error) {
	if !usable(in.Metrics) {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("no usable telemetry for geothermal staging"))
	}

	loop := in.Metrics.NumField(DefaultLoopSetpoint, "loopTemp", "LoopTemp", "loopTemperature", "ewt", "EWT")
	if !in.Metrics.HasField("loopTemp", "LoopTemp", "loopTemperature", "ewt", "EWT") {
		return Outputs{}, types.NewTransientError(in.Equipment.ID, errors.New("loop temperature missing from telemetry"))
	}

	setpoint := in.Equipment.Config.Setpoint
	if setpoint <= 0 {
		setpoint = DefaultLoopSetpoint
	}
	maxStages := DefaultStageCount
	if v, ok := in.Equipment.Config.Extra["stages"]; ok && v > 0 {
		maxStages = v
	}

	stage := 0.0
	if prev, ok := cachedValue(in, "stageCount"); ok && prev.Kind == types.FieldNumber {
		stage = prev.Num
	}

	// Loop warmer than setpoint means the field is rejecting too little
	// heat: add a stage. Cooler by the same margin sheds one.
	switch {
	case loop > setpoint+stageUpError && stage < maxStages:
		stage++
	case loop < setpoint-stageDownError && stage > 0:
		stage--
	}

	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "stageCount", types.Number(stage)),
			command(in, "unitEnable", types.Boolean(stage > 0)),
		},
		PIDStates: in.PIDStates,
	}, nil
}
