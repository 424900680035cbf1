// Package domain holds the waste-management resources (bins and service
// orders), their validation and the events their transitions announce.
package domain

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"wasteops.org/internal/mutation"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check validates v and converts validator errors into the field map the API returns.
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	fields := make(map[string]string, len(ves))
	for _, fe := range ves {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields[fe.Field()] = msg
	}
	return &mutation.ValidationError{Message: "validation failed", Fields: fields}
}

func invalid(field, msg string) error {
	return &mutation.ValidationError{Message: "validation failed", Fields: map[string]string{field: msg}}
}
