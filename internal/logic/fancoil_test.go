package logic

import (
	"testing"

	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/types"
)

func fanCoilInputs(fields map[string]types.FieldValue) Inputs {
	return Inputs{
		Equipment: types.Equipment{
			ID:     "fc1",
			SiteID: "site-a",
			Type:   types.FanCoil,
			Config: types.EquipmentConfig{Setpoint: 72},
		},
		Metrics: &types.MetricSample{
			EquipmentID: "fc1",
			SiteID:      "site-a",
			Timestamp:   now,
			Fields:      fields,
		},
		Dt:  60,
		Now: now,
	}
}

func TestFanCoilCoolingMode(t *testing.T) {
	// Room at 76 °F against a 72 °F setpoint: cooling mode, medium fan,
	// damper open with 65 °F outdoors.
	in := fanCoilInputs(map[string]types.FieldValue{
		"roomTemp": types.Number(76),
		"oat":      types.Number(65),
	})

	out, err := FanCoil(in)
	if err != nil {
		t.Fatalf("FanCoil failed: %v", err)
	}

	if mode := findCommand(t, out.Commands, "mode"); mode.Value.Str != "cool" {
		t.Errorf("mode = %q, want cool", mode.Value.Str)
	}
	if cool := findCommand(t, out.Commands, "coolingValvePosition"); cool.Value.Num <= 0 {
		t.Errorf("coolingValvePosition = %v, want > 0", cool.Value.Num)
	}
	if heat := findCommand(t, out.Commands, "heatingValvePosition"); heat.Value.Num != 0 {
		t.Errorf("heatingValvePosition = %v, want 0", heat.Value.Num)
	}
	if speed := findCommand(t, out.Commands, "fanSpeed"); speed.Value.Str != "medium" {
		t.Errorf("fanSpeed = %q, want medium", speed.Value.Str)
	}
	if damper := findCommand(t, out.Commands, "outdoorDamperPosition"); damper.Value.Num != 100 {
		t.Errorf("outdoorDamperPosition = %v, want 100", damper.Value.Num)
	}
	if fan := findCommand(t, out.Commands, "fanEnabled"); !fan.Value.Bool {
		t.Error("fanEnabled = false")
	}
}

func TestFanCoilHeatingMode(t *testing.T) {
	in := fanCoilInputs(map[string]types.FieldValue{
		"roomTemp": types.Number(68),
		"oat":      types.Number(30),
	})

	out, err := FanCoil(in)
	if err != nil {
		t.Fatalf("FanCoil failed: %v", err)
	}

	if mode := findCommand(t, out.Commands, "mode"); mode.Value.Str != "heat" {
		t.Errorf("mode = %q, want heat", mode.Value.Str)
	}
	if heat := findCommand(t, out.Commands, "heatingValvePosition"); heat.Value.Num <= 0 {
		t.Errorf("heatingValvePosition = %v, want > 0", heat.Value.Num)
	}
	if damper := findCommand(t, out.Commands, "outdoorDamperPosition"); damper.Value.Num != 0 {
		t.Errorf("outdoorDamperPosition = %v, want 0 at 30 °F outdoors", damper.Value.Num)
	}
}

func TestFanCoilDeadbandKeepsPreviousMode(t *testing.T) {
	// 72.5 °F sits inside the ±1 °F deadband: the cached mode holds, the
	// valves close, and the fan drops to low. No thrash across setpoint.
	in := fanCoilInputs(map[string]types.FieldValue{
		"roomTemp": types.Number(72.5),
		"oat":      types.Number(60),
	})
	in.State = &statecache.EquipmentState{Fields: map[string]types.FieldValue{
		"mode": types.String("cool"),
	}}

	out, err := FanCoil(in)
	if err != nil {
		t.Fatalf("FanCoil failed: %v", err)
	}

	if mode := findCommand(t, out.Commands, "mode"); mode.Value.Str != "cool" {
		t.Errorf("mode = %q, want cached cool inside deadband", mode.Value.Str)
	}
	if cool := findCommand(t, out.Commands, "coolingValvePosition"); cool.Value.Num != 0 {
		t.Errorf("coolingValvePosition = %v, want 0 inside deadband", cool.Value.Num)
	}
	if speed := findCommand(t, out.Commands, "fanSpeed"); speed.Value.Str != "low" {
		t.Errorf("fanSpeed = %q, want low", speed.Value.Str)
	}
}

func TestFanCoilDeadbandNoHistoryIsOff(t *testing.T) {
	in := fanCoilInputs(map[string]types.FieldValue{
		"roomTemp": types.Number(72),
		"oat":      types.Number(60),
	})

	out, err := FanCoil(in)
	if err != nil {
		t.Fatalf("FanCoil failed: %v", err)
	}
	if mode := findCommand(t, out.Commands, "mode"); mode.Value.Str != "off" {
		t.Errorf("mode = %q, want off with no cached mode", mode.Value.Str)
	}
}

func TestFanCoilDamperBoundaries(t *testing.T) {
	tests := []struct {
		name string
		oat  float64
		want float64
	}{
		{"at 40 closed", 40, 0},
		{"just inside low", 40.1, 100},
		{"just inside high", 79.9, 100},
		{"at 80 closed", 80, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := fanCoilInputs(map[string]types.FieldValue{
				"roomTemp": types.Number(72),
				"oat":      types.Number(tt.oat),
			})
			out, err := FanCoil(in)
			if err != nil {
				t.Fatalf("FanCoil failed: %v", err)
			}
			if damper := findCommand(t, out.Commands, "outdoorDamperPosition"); damper.Value.Num != tt.want {
				t.Errorf("damper = %v at OAT %v, want %v", damper.Value.Num, tt.oat, tt.want)
			}
		})
	}
}

func TestFanCoilMissingRoomTemp(t *testing.T) {
	in := fanCoilInputs(map[string]types.FieldValue{"oat": types.Number(60)})

	_, err := FanCoil(in)
	if err == nil || !types.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}
