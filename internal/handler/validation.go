package handler

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var lowercaseKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// NewValidator builds the request validator with the custom tags the trigger
// payload uses.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("lowercase_key", func(fl validator.FieldLevel) bool {
		return lowercaseKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
