package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const idMaxLength = 200

var phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)

var intervalRule = validation.By(func(v any) error {
	h, _ := v.(float64)
	if !validHours(h) {
		return errors.New("must be a positive number of hours up to one year")
	}
	return nil
})

var objectRule = validation.By(func(v any) error {
	raw, _ := v.(json.RawMessage)
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return errors.New("must be a JSON object")
	}
	return nil
})

// Validate checks a schedule request. Errors wrap ErrInvalidSchedule.
func (r ScheduleRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.ItemID, validation.Required, validation.Length(1, idMaxLength)),
		validation.Field(&r.OwnerID, validation.Required, validation.Length(1, idMaxLength)),
		validation.Field(&r.Label, validation.Length(0, idMaxLength)),
		validation.Field(&r.NotifyPhone, validation.Match(phonePattern)),
		validation.Field(&r.IntervalHours, intervalRule),
		validation.Field(&r.Payload, objectRule),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}
