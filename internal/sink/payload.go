package sink

import (
	"math"
	"time"

	"github.com/kalambet/vitalsd/internal/signal"
)

// Payload is the JSON body posted for one observation. Exactly one of the
// signal fields is set.
type Payload struct {
	Timestamp         string   `json:"timestamp"`
	HeartRate         *int64   `json:"heart_rate,omitempty"`
	StepCount         *int64   `json:"step_count,omitempty"`
	SkinTemperature   *float64 `json:"skin_temperature,omitempty"`
	DrinkCount        *int64   `json:"drink_count,omitempty"`
	UserState         string   `json:"user_state"`
	DrinkAmount       *string  `json:"drink_amount,omitempty"`
	AlcoholPercentage *float64 `json:"alcohol_percentage,omitempty"`
}

// NewPayload renders obs for the wire, with the timestamp in loc.
func NewPayload(obs signal.Observation, loc *time.Location) Payload {
	p := Payload{
		Timestamp: signal.FormatTimestamp(obs.Timestamp, loc),
		UserState: signal.Normal.String(),
	}

	v := obs.Value
	n := int64(math.Round(v))
	switch obs.Type {
	case signal.HeartRate:
		p.HeartRate = &n
	case signal.StepCount:
		p.StepCount = &n
	case signal.SkinTemperature:
		p.SkinTemperature = &v
	case signal.DrinkCount:
		p.DrinkCount = &n
	}

	if obs.Context != nil {
		c := obs.Context.Normalize()
		p.UserState = c.UserState.String()
		p.DrinkAmount = c.DrinkAmount
		p.AlcoholPercentage = c.AlcoholPercentage
	}
	return p
}
