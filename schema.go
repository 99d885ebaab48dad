package duron

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Schema validates and coerces JSON payloads against a struct prototype.
// Field presence and constraints come from the prototype's `validate` tags;
// mock sampling reads the `example` tags.
//
//	type SendEmailInput struct {
//		To      string `json:"to" validate:"required,email" example:"user@example.com"`
//		Subject string `json:"subject" validate:"required"`
//	}
//	action.Input = duron.NewSchema(SendEmailInput{})
type Schema struct {
	prototype reflect.Type

	mockOnce sync.Once
	mockJSON json.RawMessage
	mockErr  error
}

// NewSchema builds a schema from a struct prototype. The prototype's value is
// ignored; only its type matters. Panics when prototype is not a struct or a
// pointer to one, since that is a registration-time programmer error.
func NewSchema(prototype any) *Schema {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("duron: schema prototype must be a struct, got %T", prototype))
	}
	return &Schema{prototype: t}
}

// Validate decodes raw into the prototype shape, checks its constraints and
// returns the coerced re-encoding. Unknown fields are dropped by the
// round-trip rather than rejected.
func (s *Schema) Validate(scope string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	value := reflect.New(s.prototype).Interface()
	if err := json.Unmarshal(raw, value); err != nil {
		return nil, &ValidationError{Scope: scope, Err: err}
	}
	if err := validate.Struct(value); err != nil {
		return nil, &ValidationError{Scope: scope, Err: err}
	}

	coerced, err := json.Marshal(value)
	if err != nil {
		return nil, &ValidationError{Scope: scope, Err: err}
	}
	return coerced, nil
}

// Mock returns a deterministic sample payload built from the prototype's
// `example` tags, for metadata surfaces and manual testing. The sample is
// computed once and cached.
func (s *Schema) Mock() (json.RawMessage, error) {
	s.mockOnce.Do(func() {
		value := reflect.New(s.prototype).Elem()
		fillExamples(value)
		s.mockJSON, s.mockErr = json.Marshal(value.Interface())
	})
	return s.mockJSON, s.mockErr
}

// fillExamples populates v from `example` struct tags, recursing into nested
// structs. Fields without an example keep their zero value.
func fillExamples(v reflect.Value) {
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)

		switch fv.Kind() {
		case reflect.Struct:
			fillExamples(fv)
			continue
		case reflect.Pointer:
			if fv.Type().Elem().Kind() == reflect.Struct {
				fv.Set(reflect.New(fv.Type().Elem()))
				fillExamples(fv.Elem())
				continue
			}
		}

		example, ok := field.Tag.Lookup("example")
		if !ok {
			continue
		}
		setExample(fv, example)
	}
}

func setExample(fv reflect.Value, example string) {
	if fv.Kind() == reflect.Pointer {
		fv.Set(reflect.New(fv.Type().Elem()))
		fv = fv.Elem()
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(example)
	case reflect.Bool:
		if b, err := strconv.ParseBool(example); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(example, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, err := strconv.ParseUint(example, 10, 64); err == nil {
			fv.SetUint(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(example, 64); err == nil {
			fv.SetFloat(f)
		}
	case reflect.Slice:
		elem := reflect.New(fv.Type().Elem()).Elem()
		setExample(elem, example)
		fv.Set(reflect.Append(reflect.MakeSlice(fv.Type(), 0, 1), elem))
	}
}
