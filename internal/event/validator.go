package event

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks events before they enter the pipeline.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// NewValidator creates a Validator that rejects events stamped more than
// maxFuture ahead of the local clock.
func NewValidator(maxFuture time.Duration) *Validator {
	v := validator.New()

	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).IsValid()
	})
	v.RegisterValidation("event_source", func(fl validator.FieldLevel) bool {
		return Source(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v, maxFuture: maxFuture}
}

// Validate validates an event. Decoy clocks may drift, so only events far
// in the future are rejected; old events are left to window trimming.
func (v *Validator) Validate(e Event) error {
	if err := v.validate.Struct(e); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if v.maxFuture > 0 && e.Timestamp.After(time.Now().Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", e.Timestamp, v.maxFuture)
	}
	return nil
}
