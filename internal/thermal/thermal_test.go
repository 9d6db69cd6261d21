package thermal

import "testing"

func testThresholds() Thresholds {
	return Thresholds{WarningC: 45, AlertC: 55, OverheatedC: 65}
}

func TestSampleRequiresTwoConfirmationsToTransition(t *testing.T) {
	o := NewObject("battery", testThresholds())

	status, changed := o.Sample(56) // ALERT candidate, 1st confirmation
	if changed {
		t.Fatalf("expected no transition on first confirming sample")
	}
	if status != Normal {
		t.Fatalf("status = %v, want Normal (unchanged)", status)
	}

	status, changed = o.Sample(57) // ALERT candidate, 2nd confirmation
	if !changed {
		t.Fatalf("expected transition on second confirming sample")
	}
	if status != Alert {
		t.Fatalf("status = %v, want Alert", status)
	}
}

func TestNoisySingleSampleDoesNotFlap(t *testing.T) {
	o := NewObject("battery", testThresholds())
	o.Sample(56)
	o.Sample(56) // commits to Alert

	if o.Current() != Alert {
		t.Fatalf("precondition: expected Alert, got %v", o.Current())
	}

	// A single sample back in Normal range should not immediately revert.
	status, changed := o.Sample(30)
	if changed {
		t.Fatalf("expected single noisy sample not to revert status")
	}
	if status != Alert {
		t.Fatalf("status = %v, want Alert to persist", status)
	}
}

func TestSurfaceTempFromBatteryOffset(t *testing.T) {
	got := SurfaceTempFromBattery(50)
	if got != 43 {
		t.Fatalf("SurfaceTempFromBattery(50) = %v, want 43", got)
	}
}

func TestClassifyBoundaries(t *testing.T) {
	th := testThresholds()
	cases := []struct {
		celsius float64
		want    Status
	}{
		{10, Normal},
		{45, Warning},
		{55, Alert},
		{65, Overheated},
		{100, Overheated},
	}
	for _, c := range cases {
		if got := th.Classify(c.celsius); got != c.want {
			t.Fatalf("Classify(%v) = %v, want %v", c.celsius, got, c.want)
		}
	}
}
