// Package validator wraps go-playground/validator for request shape checks
// (spec §7's ValidationError) plus the one KME-specific tag the ETSI
// contract needs: key sizes that must be multiples of 8 bits.
package validator

import (
	"fmt"
	"html"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

// Validate runs struct tag validation and returns a single formatted error.
func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

// ValidateStructured returns field -> message, for handlers that want to
// report every violation instead of bailing on the first.
func (v *Validator) ValidateStructured(i interface{}) map[string]string {
	errs := make(map[string]string)
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				msg := fmt.Sprintf("failed validation on '%s'", e.Tag())
				switch e.Tag() {
				case "required":
					msg = "this field is required"
				case "min":
					msg = fmt.Sprintf("must be at least %s", e.Param())
				case "max":
					msg = fmt.Sprintf("must be at most %s", e.Param())
				case "multiple8":
					msg = "must be a multiple of 8"
				}
				errs[e.Field()] = msg
			}
		} else {
			errs["_global"] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (v *Validator) registerCustomValidations() {
	_ = v.validate.RegisterValidation("multiple8", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%8 == 0
	})
}

// Sanitize trims and HTML-escapes free-text identifiers (SAE/TN ids echoed
// back in error messages) before they're ever written to a response body.
func Sanitize(input string) string {
	return html.EscapeString(strings.TrimSpace(input))
}
