package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// FieldError names the request field that failed validation
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validator validates request structs using `validate` tags:
//
//	required     non-zero value
//	min=N, max=N string length or numeric bounds
//	hex=N        hex string encoding exactly N bytes
//	oneof=a|b    one of the listed values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct, got %s", val.Kind())
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")
		if tag == "" {
			continue
		}
		if err := v.validateField(val.Field(i), tag); err != nil {
			return &FieldError{Field: fieldName(fieldType), Reason: err.Error()}
		}
	}
	return nil
}

// fieldName prefers the JSON name the client sent
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			if strings.Contains(tag, "required") {
				return fmt.Errorf("field is required")
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(rule, "=")

		switch name {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", name, arg)
			}
			n, unit, ok := measure(field)
			if !ok {
				continue
			}
			if name == "min" && n < limit {
				return fmt.Errorf("minimum %s is %s", unit, arg)
			}
			if name == "max" && n > limit {
				return fmt.Errorf("maximum %s is %s", unit, arg)
			}

		case "hex":
			if field.Kind() != reflect.String || field.String() == "" {
				continue
			}
			want, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad hex rule %q", arg)
			}
			b, err := hex.DecodeString(field.String())
			if err != nil {
				return fmt.Errorf("invalid hex string")
			}
			if len(b) != want {
				return fmt.Errorf("expected %d bytes, got %d", want, len(b))
			}

		case "oneof":
			if field.Kind() != reflect.String || field.String() == "" {
				continue
			}
			found := false
			for _, opt := range strings.Split(arg, "|") {
				if field.String() == opt {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.ReplaceAll(arg, "|", ", "))
			}
		}
	}

	return nil
}

func measure(field reflect.Value) (float64, string, bool) {
	switch field.Kind() {
	case reflect.String:
		return float64(len(field.String())), "length", true
	case reflect.Slice, reflect.Map:
		return float64(field.Len()), "length", true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), "value", true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), "value", true
	case reflect.Float32, reflect.Float64:
		return field.Float(), "value", true
	}
	return 0, "", false
}
