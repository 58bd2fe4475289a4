package rounds

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mcdev12/quizslot/go/internal/models"
)

// Validator checks rounds received from the backend before they reach the
// cache.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(roundBounds, models.Round{})
	return &Validator{validate: v}
}

// roundBounds rejects a round whose end does not come after its start.
func roundBounds(sl validator.StructLevel) {
	r := sl.Current().Interface().(models.Round)
	if r.HasBounds() && !r.StartTime.Before(*r.EndTime) {
		sl.ReportError(r.EndTime, "EndTime", "end_time", "gtstart", "")
	}
}

// Validate returns a descriptive error wrapping ErrMalformedRound.
func (v *Validator) Validate(r models.Round) error {
	err := v.validate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrMalformedRound, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+"="+fe.Tag())
	}
	return fmt.Errorf("%w: round %q: %s", ErrMalformedRound, r.ID, strings.Join(fields, ", "))
}
