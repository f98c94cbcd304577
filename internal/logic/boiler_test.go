package logic

import (
	"math"
	"testing"
	"time"

	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/types"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func boilerInputs(fields map[string]types.FieldValue) Inputs {
	return Inputs{
		Equipment: types.Equipment{ID: "b1", SiteID: "site-a", Type: types.BoilerComfort},
		Metrics: &types.MetricSample{
			EquipmentID: "b1",
			SiteID:      "site-a",
			Timestamp:   now,
			Fields:      fields,
		},
		Dt:  60,
		Now: now,
	}
}

func findCommand(t *testing.T, cmds []types.ControlCommand, cmdType string) types.ControlCommand {
	t.Helper()
	for _, c := range cmds {
		if c.CommandType == cmdType {
			return c
		}
	}
	t.Fatalf("command %q not emitted in %+v", cmdType, cmds)
	return types.ControlCommand{}
}

func TestBoilerComfortFirstTick(t *testing.T) {
	// 53.5 °F outdoors sits exactly halfway on the 32..75 curve, so the
	// reset setpoint is 125 °F. With the default 0.5 proportional gain and
	// supply at 100 °F, the first firing rate is 12.5%.
	in := boilerInputs(map[string]types.FieldValue{
		"oat":    types.Number(53.5),
		"supply": types.Number(100),
	})

	out, err := BoilerComfort(in)
	if err != nil {
		t.Fatalf("BoilerComfort failed: %v", err)
	}

	if out.OARSetpoint == nil || math.Abs(*out.OARSetpoint-125) > 1e-9 {
		t.Errorf("OAR setpoint = %v, want 125", out.OARSetpoint)
	}

	rate := findCommand(t, out.Commands, "firingRate")
	if math.Abs(rate.Value.Num-12.5) > 1e-9 {
		t.Errorf("firingRate = %v, want 12.5", rate.Value.Num)
	}
	enable := findCommand(t, out.Commands, "unitEnable")
	if !enable.Value.Bool {
		t.Error("unitEnable = false, want true")
	}

	st := out.PIDStates[HeatingController]
	if !st.Initialized {
		t.Error("PID state not initialized after first tick")
	}
	if st.Integral != 0 {
		t.Errorf("first tick integral = %v, want 0", st.Integral)
	}
}

func TestBoilerComfortOARClamps(t *testing.T) {
	tests := []struct {
		name string
		oat  float64
		want float64
	}{
		{"below outdoor low", 10, 165},
		{"at outdoor low", 32, 165},
		{"above outdoor high", 90, 85},
		{"at outdoor high", 75, 85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := boilerInputs(map[string]types.FieldValue{
				"oat":    types.Number(tt.oat),
				"supply": types.Number(120),
			})
			out, err := BoilerComfort(in)
			if err != nil {
				t.Fatalf("BoilerComfort failed: %v", err)
			}
			if out.OARSetpoint == nil || *out.OARSetpoint != tt.want {
				t.Errorf("setpoint = %v, want %v", out.OARSetpoint, tt.want)
			}
		})
	}
}

func TestBoilerComfortSafetyShutdown(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{
		"oat":    types.Number(30),
		"supply": types.Number(172),
	})

	out, err := BoilerComfort(in)
	if err != nil {
		t.Fatalf("BoilerComfort failed: %v", err)
	}
	if !out.Safety {
		t.Fatal("Safety not set at 172 supply")
	}

	enable := findCommand(t, out.Commands, "unitEnable")
	if enable.Value.Bool || !enable.SafetyOverride || !enable.Priority {
		t.Errorf("unitEnable = %+v, want false with safety override priority", enable)
	}
	rate := findCommand(t, out.Commands, "firingRate")
	if rate.Value.Num != 0 {
		t.Errorf("firingRate = %v, want 0", rate.Value.Num)
	}
}

func TestBoilerComfortExactlyAtLimitKeepsRunning(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{
		"oat":    types.Number(30),
		"supply": types.Number(170),
	})

	out, err := BoilerComfort(in)
	if err != nil {
		t.Fatalf("BoilerComfort failed: %v", err)
	}
	if out.Safety {
		t.Error("Safety set at exactly 170; the limit is exclusive")
	}
}

func TestBoilerComfortMissingSupply(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{"oat": types.Number(50)})

	_, err := BoilerComfort(in)
	if !types.IsTransient(err) || err == nil {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestBoilerComfortStaleSample(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{
		"oat":    types.Number(50),
		"supply": types.Number(120),
	})
	in.Metrics.Stale = true

	_, err := BoilerComfort(in)
	if err == nil {
		t.Fatal("expected error on stale sample")
	}
}

func TestBoilerComfortIntegralAccumulates(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{
		"oat":    types.Number(53.5),
		"supply": types.Number(100),
	})

	first, err := BoilerComfort(in)
	if err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	in.PIDStates = first.PIDStates
	second, err := BoilerComfort(in)
	if err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	r1 := findCommand(t, first.Commands, "firingRate").Value.Num
	r2 := findCommand(t, second.Commands, "firingRate").Value.Num
	if r2 <= r1 {
		t.Errorf("second rate %v not above first %v with persistent error", r2, r1)
	}
}

func TestBoilerDomesticFixedSetpoint(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{
		"supply": types.Number(120),
	})
	in.Equipment.Type = types.BoilerDomestic

	out, err := BoilerDomestic(in)
	if err != nil {
		t.Fatalf("BoilerDomestic failed: %v", err)
	}
	if out.OARSetpoint != nil {
		t.Error("domestic boiler emitted an OAR setpoint")
	}

	// 134 − 120 = 14 error, P = 7 on the first tick.
	rate := findCommand(t, out.Commands, "firingRate")
	if math.Abs(rate.Value.Num-7) > 1e-9 {
		t.Errorf("firingRate = %v, want 7", rate.Value.Num)
	}
}

func TestBoilerCommandsCarryPreviousValue(t *testing.T) {
	in := boilerInputs(map[string]types.FieldValue{
		"oat":    types.Number(50),
		"supply": types.Number(120),
	})
	in.State = &statecache.EquipmentState{Fields: map[string]types.FieldValue{
		"firingRate": types.Number(40),
	}}

	out, err := BoilerComfort(in)
	if err != nil {
		t.Fatalf("BoilerComfort failed: %v", err)
	}
	rate := findCommand(t, out.Commands, "firingRate")
	if rate.PreviousValue == nil || rate.PreviousValue.Num != 40 {
		t.Errorf("previous value = %+v, want 40", rate.PreviousValue)
	}
}
