// Package validation builds the validator shared by request handling and
// configuration loading.
package validation

import (
	"encoding/json"
	"reflect"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

var moduleNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// New returns a validator with the project's custom tags registered:
//
//	modulename   lower-case module identifier
//	jsonpayload  non-empty, well-formed JSON bytes
//	duration     string parseable by time.ParseDuration
func New() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("modulename", func(fl validator.FieldLevel) bool {
		return moduleNamePattern.MatchString(fl.Field().String())
	})

	_ = validate.RegisterValidation("jsonpayload", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		if f.Kind() != reflect.Slice || f.Type().Elem().Kind() != reflect.Uint8 {
			return false
		}
		b := f.Bytes()
		return len(b) > 0 && json.Valid(b)
	})

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return validate
}

// Problems flattens validator errors into readable lines.
func Problems(err error) []string {
	var problems []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range verrs {
			problems = append(problems, "Field '"+e.Namespace()+"' failed on the '"+e.Tag()+"' tag.")
		}
		return problems
	}
	return []string{err.Error()}
}
