package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

// RegisterRules adds the engine's custom rules to a validator, typically
// gin's binding engine:
//
//	seatnumbers  every element is a seat number >= 1 and none repeats
//	lkphone      a mobile number PhoneValidator accepts
func RegisterRules(v *playground.Validate) error {
	phones := NewPhoneValidator()

	// report json names instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	if err := v.RegisterValidation("seatnumbers", func(fl playground.FieldLevel) bool {
		seats, ok := fl.Field().Interface().([]int64)
		if !ok {
			return false
		}
		return distinctPositive(seats)
	}); err != nil {
		return err
	}
	return v.RegisterValidation("lkphone", func(fl playground.FieldLevel) bool {
		return phones.IsValid(fl.Field().String())
	})
}

// NewRequestValidator returns a standalone validator with the custom rules
func NewRequestValidator() *playground.Validate {
	v := playground.New()
	if err := RegisterRules(v); err != nil {
		panic(fmt.Sprintf("register validation rules: %v", err))
	}
	return v
}

// Describe flattens validation failures into one readable message. Other
// errors, e.g. malformed JSON, are returned as is.
func Describe(err error) string {
	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return strings.Join(msgs, "; ")
}

func describe(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "seatnumbers":
		return fmt.Sprintf("%s must be distinct seat numbers starting at 1", fe.Field())
	case "lkphone":
		return fmt.Sprintf("%s must be a valid mobile number", fe.Field())
	case "min", "max":
		return fmt.Sprintf("%s must have %s %s", fe.Field(), fe.Tag(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func distinctPositive(seats []int64) bool {
	seen := make(map[int64]struct{}, len(seats))
	for _, s := range seats {
		if s < 1 {
			return false
		}
		if _, dup := seen[s]; dup {
			return false
		}
		seen[s] = struct{}{}
	}
	return true
}
