// Package thermal implements per-object thermal status tracking with
// hysteresis: a status change only commits after Hysteresis consecutive
// samples confirm it, so a single noisy reading near a threshold boundary
// cannot cause status flapping.
//
// Status model grounded on the teacher's escalation.Accumulator pattern
// (an EWMA-style per-object mutex-guarded running state), generalized
// from a pressure float to a discrete status-with-hysteresis state
// machine, since thermal zones transition between a small fixed set of
// named statuses rather than a continuous score.
package thermal

import (
	"fmt"
	"sync"
)

// Status is a thermal zone's classification.
type Status int

const (
	Normal Status = iota
	Warning
	Alert
	Overheated
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Warning:
		return "WARNING"
	case Alert:
		return "ALERT"
	case Overheated:
		return "OVERHEATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Hysteresis is the number of consecutive samples that must agree before
// a status transition commits.
const Hysteresis = 2

// Thresholds maps sampled temperature (Celsius) to a candidate status.
// Values are inclusive lower bounds.
type Thresholds struct {
	WarningC    float64
	AlertC      float64
	OverheatedC float64
}

// Classify maps a raw temperature sample to its candidate status under t.
func (t Thresholds) Classify(celsius float64) Status {
	switch {
	case celsius >= t.OverheatedC:
		return Overheated
	case celsius >= t.AlertC:
		return Alert
	case celsius >= t.WarningC:
		return Warning
	default:
		return Normal
	}
}

// SurfaceTempFromBattery derives an estimated device surface temperature
// from a battery temperature sample. The battery runs hotter than the
// device surface by a fixed offset under typical load, preserved from the
// historical calibration constant.
func SurfaceTempFromBattery(batteryCelsius float64) float64 {
	return batteryCelsius - 7.0
}

// Object tracks hysteresis state for one thermal zone (e.g. "battery",
// "surface", "cpu").
type Object struct {
	mu         sync.Mutex
	name       string
	thresholds Thresholds
	current    Status
	pending    Status
	confirms   int
}

// NewObject constructs an Object starting at Normal.
func NewObject(name string, thresholds Thresholds) *Object {
	return &Object{name: name, thresholds: thresholds, current: Normal}
}

// Name returns the object's identifier.
func (o *Object) Name() string { return o.name }

// Current returns the last committed status.
func (o *Object) Current() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Sample feeds a new temperature reading through the hysteresis state
// machine. Returns the committed status after this sample (which may be
// unchanged) and whether a transition just committed.
func (o *Object) Sample(celsius float64) (Status, bool) {
	candidate := o.thresholds.Classify(celsius)

	o.mu.Lock()
	defer o.mu.Unlock()

	if candidate == o.current {
		o.pending = o.current
		o.confirms = 0
		return o.current, false
	}

	if candidate == o.pending {
		o.confirms++
	} else {
		o.pending = candidate
		o.confirms = 1
	}

	if o.confirms >= Hysteresis {
		o.current = candidate
		o.confirms = 0
		return o.current, true
	}
	return o.current, false
}
