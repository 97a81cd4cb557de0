package storage

import (
	"encoding/json"
	"math"
	"testing"
)

func TestParseFetchInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    FetchInterval
		wantErr bool
	}{
		{in: "FIVE_MINUTES", want: FiveMinutes},
		{in: "one_hour", want: OneHour},
		{in: "600", want: TenMinutes},
		{in: "45", wantErr: true},
		{in: "TWO_DAYS", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFetchInterval(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFetchInterval(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseFetchInterval(%q) mismatch: got %v (%v), want %v", tt.in, got, err, tt.want)
		}
	}

	if FetchInterval(0).OrDefault() != OneMinute {
		t.Errorf("unset interval should default to ONE_MINUTE")
	}
	if FiveMinutes.Duration().Minutes() != 5 {
		t.Errorf("FIVE_MINUTES duration mismatch: got %v", FiveMinutes.Duration())
	}
}

func TestValveCalibrationJSON(t *testing.T) {
	c := ValveCalibration{7.5: 45, 5.0: 30}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `[{"flowRate":5,"degree":30},{"flowRate":7.5,"degree":45}]`
	if string(data) != want {
		t.Errorf("calibration JSON mismatch: got %s, want %s", data, want)
	}

	var back ValveCalibration
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := back.Degree(6.0); ok {
		t.Errorf("lookup must be exact, 6.0 should be missing")
	}
}

func TestPolynomialEval(t *testing.T) {
	p := Polynomial{1, -2, 3} // 1 - 2x + 3x²
	if got := p.Eval(2); got != 9 {
		t.Errorf("Eval mismatch: got %v, want 9", got)
	}
	if got := (Polynomial{}).Eval(5); got != 0 {
		t.Errorf("empty polynomial mismatch: got %v, want 0", got)
	}
	want := 2.6691733715467696 + 0.024114825980221664*1000
	if got := DefaultSoilPolynomial.Eval(1000); math.Abs(got-want) > 1e-12 {
		t.Errorf("default polynomial mismatch: got %v, want %v", got, want)
	}
}

func TestIrrigationTransitions(t *testing.T) {
	allowed := map[IrrigationStatus][]IrrigationStatus{
		IrrigationPending:    {IrrigationInProgress, IrrigationCancelled, IrrigationFailed},
		IrrigationInProgress: {IrrigationCompleted, IrrigationFailed},
	}
	all := []IrrigationStatus{IrrigationPending, IrrigationInProgress, IrrigationCompleted, IrrigationCancelled, IrrigationFailed}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%s -> %s) mismatch: got %v, want %v", from, to, got, want)
			}
		}
	}
	if IrrigationPending.IsTerminal() || !IrrigationCancelled.IsTerminal() {
		t.Errorf("IsTerminal mismatch")
	}
}

func TestParseDeviceKind(t *testing.T) {
	if k, err := ParseDeviceKind(" Sensor "); err != nil || k != KindSensor {
		t.Errorf("ParseDeviceKind mismatch: got %v (%v)", k, err)
	}
	if _, err := ParseDeviceKind("pump"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}
