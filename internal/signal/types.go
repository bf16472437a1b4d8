package signal

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Type identifies a health signal. The declaration order is the order in
// which a tick writes its records.
type Type int

const (
	HeartRate Type = iota
	StepCount
	SkinTemperature
	DrinkCount
)

var allTypes = []Type{HeartRate, StepCount, SkinTemperature, DrinkCount}

// Types returns every signal type in declaration order.
func Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Label is the human-readable name written to the local log.
func (t Type) Label() string {
	switch t {
	case HeartRate:
		return "Heart Rate"
	case StepCount:
		return "Step Count"
	case SkinTemperature:
		return "Skin Temperature"
	case DrinkCount:
		return "Drink Count"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Key is the snake_case name used on the wire and in config keys.
func (t Type) Key() string {
	switch t {
	case HeartRate:
		return "heart_rate"
	case StepCount:
		return "step_count"
	case SkinTemperature:
		return "skin_temperature"
	case DrinkCount:
		return "drink_count"
	}
	return ""
}

// Integral reports whether values of this type are whole counts.
func (t Type) Integral() bool {
	return t != SkinTemperature
}

func (t Type) String() string { return t.Key() }

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	return t >= HeartRate && t <= DrinkCount
}

// CheckValue reports whether v is acceptable for t: finite, and a
// non-negative whole number for integral types. The error is a
// *MalformedField.
func (t Type) CheckValue(v float64) error {
	if !t.Valid() {
		return &MalformedField{Field: fmt.Sprintf("type %d", int(t)), Reason: "unknown signal type"}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &MalformedField{Field: t.Key(), Reason: "not finite"}
	}
	if t.Integral() {
		if v != math.Trunc(v) {
			return &MalformedField{Field: t.Key(), Reason: "not an integer"}
		}
		if v < 0 {
			return &MalformedField{Field: t.Key(), Reason: "negative"}
		}
	}
	return nil
}

// ParseKey maps a wire key back to its Type.
func ParseKey(key string) (Type, bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, t := range allTypes {
		if t.Key() == k {
			return t, true
		}
	}
	return 0, false
}

// ParseLabel maps a log label back to its Type.
func ParseLabel(label string) (Type, bool) {
	for _, t := range allTypes {
		if t.Label() == label {
			return t, true
		}
	}
	return 0, false
}

// UserState is the wearer's self-reported state attached to observations.
type UserState int

const (
	Normal UserState = iota
	Drinking
)

func (s UserState) String() string {
	if s == Drinking {
		return "drinking"
	}
	return "normal"
}

// ParseUserState accepts "normal" or "drinking" (case-insensitive).
func ParseUserState(s string) (UserState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return Normal, nil
	case "drinking":
		return Drinking, nil
	}
	return Normal, fmt.Errorf("unknown user state %q", s)
}

// Context is optional metadata carried with every observation of a tick.
// DrinkAmount and AlcoholPercentage are only meaningful while Drinking.
type Context struct {
	UserState         UserState
	DrinkAmount       *string
	AlcoholPercentage *float64
}

// Normalize drops the drink fields unless the user is drinking.
func (c Context) Normalize() Context {
	if c.UserState != Drinking {
		return Context{UserState: c.UserState}
	}
	out := Context{UserState: Drinking}
	if c.DrinkAmount != nil {
		v := *c.DrinkAmount
		out.DrinkAmount = &v
	}
	if c.AlcoholPercentage != nil {
		v := *c.AlcoholPercentage
		out.AlcoholPercentage = &v
	}
	return out
}

// Observation is one timestamped reading. Build it with NewObservation and
// do not mutate it afterwards.
type Observation struct {
	Timestamp time.Time
	Type      Type
	Value     float64
	Context   *Context
}

// NewObservation truncates ts to the second and takes a private copy of ctx.
func NewObservation(ts time.Time, t Type, v float64, ctx *Context) Observation {
	obs := Observation{
		Timestamp: ts.Truncate(time.Second),
		Type:      t,
		Value:     v,
	}
	if ctx != nil {
		c := ctx.Normalize()
		obs.Context = &c
	}
	return obs
}

// TimestampLayout is the yyyy-MM-dd HH:mm:ss layout used by the log and the wire.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders ts in loc using TimestampLayout. A nil loc means time.Local.
func FormatTimestamp(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return ts.In(loc).Format(TimestampLayout)
}
