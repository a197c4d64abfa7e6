package auth

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"brevity-server/internal/account"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// bcryptmax bounds the byte length, which is what bcrypt limits.
	_ = v.RegisterValidation("bcryptmax", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= account.MaxPasswordBytes
	})
	return v
}

// validationFailure turns validator output into a ValidationError keyed by
// JSON field name.
func validationFailure(err error) error {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return ErrValidation
	}

	fields := make(map[string]string, len(invalid))
	for _, fe := range invalid {
		fields[fe.Field()] = describeRule(fe)
	}
	return ValidationError{Fields: fields}
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "bcryptmax":
		return "must be at most " + strconv.Itoa(account.MaxPasswordBytes) + " bytes"
	case "numeric":
		return "must contain only digits"
	default:
		return "is invalid"
	}
}
