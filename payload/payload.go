// Package payload converts between the opaque byte blobs exchanged with the
// bus and Go values.
//
// A Payload is one JSON document. It carries no type information: the target
// type is always chosen by the caller. Dynamic values handed to module
// handlers are represented as cty.Value, the same value model used for
// configuration, so handlers can inspect arbitrary argument shapes without
// declaring Go structs.
package payload

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Payload is one serialized value.
type Payload []byte

var (
	// ErrDecode is matched by every error returned from the Decode family.
	ErrDecode = errors.New("payload decode failed")
	// ErrEncode is matched by every error returned from Encode and
	// EncodeValue.
	ErrEncode = errors.New("payload encode failed")
)

// DecodeError describes why a payload could not be decoded into Target.
type DecodeError struct {
	Target string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Target, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

// validate is shared; validator caches struct metadata and is safe for
// concurrent use. Field errors name the JSON key, not the Go field.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// String returns the payload as text, for logging.
func (p Payload) String() string {
	return string(p)
}

// Encode serializes v. cty.Value arguments (and maps of them) are encoded
// through their JSON representation.
func Encode(v any) (Payload, error) {
	switch tv := v.(type) {
	case Payload:
		return tv, nil
	case cty.Value:
		return EncodeValue(tv)
	case map[string]cty.Value:
		return encodeValueMap(tv)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrEncode, v, err)
	}
	return b, nil
}

// MustEncode is Encode for values known to be representable, such as
// literals in tests and example modules.
func MustEncode(v any) Payload {
	p, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode deserializes p into a new T. Struct targets are additionally checked
// against their `validate` tags, so a missing required field is a decode
// failure rather than a silent zero value.
func Decode[T any](p Payload) (T, error) {
	var out T
	target := reflect.TypeOf((*T)(nil)).Elem().String()

	if err := checkValid(p, target); err != nil {
		return out, err
	}

	switch ptr := any(&out).(type) {
	case *cty.Value:
		v, err := DecodeValue(p)
		if err != nil {
			return out, err
		}
		*ptr = v
		return out, nil
	case *map[string]cty.Value:
		m, err := DecodeArgs(p)
		if err != nil {
			return out, err
		}
		*ptr = m
		return out, nil
	}

	if err := json.Unmarshal(p, &out); err != nil {
		return out, &DecodeError{Target: target, Reason: "type mismatch", Err: err}
	}
	if err := validateStruct(out); err != nil {
		return out, &DecodeError{Target: target, Reason: "validation failed", Err: err}
	}
	return out, nil
}

// EncodeValue serializes a dynamic value. Unknown values cannot be
// represented and are rejected.
func EncodeValue(v cty.Value) (Payload, error) {
	if v == cty.NilVal {
		return Payload("null"), nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("%w: cty.Value is not wholly known", ErrEncode)
	}
	b, err := json.Marshal(ctyjson.SimpleJSONValue{Value: v})
	if err != nil {
		return nil, fmt.Errorf("%w: cty.Value: %w", ErrEncode, err)
	}
	return b, nil
}

// DecodeValue deserializes p into a dynamic value whose type is implied by
// the JSON document.
func DecodeValue(p Payload) (cty.Value, error) {
	if err := checkValid(p, "cty.Value"); err != nil {
		return cty.NilVal, err
	}
	var sv ctyjson.SimpleJSONValue
	if err := json.Unmarshal(p, &sv); err != nil {
		return cty.NilVal, &DecodeError{Target: "cty.Value", Reason: "unsupported value", Err: err}
	}
	return sv.Value, nil
}

// ToValue converts a Go value into a dynamic value through its JSON form.
func ToValue(v any) (cty.Value, error) {
	if cv, ok := v.(cty.Value); ok {
		return cv, nil
	}
	p, err := Encode(v)
	if err != nil {
		return cty.NilVal, err
	}
	return DecodeValue(p)
}

// DecodeArgs deserializes a command argument mapping. The payload must be a
// JSON object; null is accepted as "no arguments".
func DecodeArgs(p Payload) (map[string]cty.Value, error) {
	const target = "arguments"
	if err := checkValid(p, target); err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(p)
	if res.Type == gjson.Null {
		return map[string]cty.Value{}, nil
	}
	if !res.IsObject() {
		return nil, &DecodeError{Target: target, Reason: fmt.Sprintf("expected object, got %s", res.Type)}
	}

	args := make(map[string]cty.Value)
	var decodeErr error
	res.ForEach(func(key, value gjson.Result) bool {
		v, err := DecodeValue(Payload(value.Raw))
		if err != nil {
			decodeErr = &DecodeError{Target: target, Reason: fmt.Sprintf("argument %q", key.String()), Err: err}
			return false
		}
		args[key.String()] = v
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return args, nil
}

func encodeValueMap(m map[string]cty.Value) (Payload, error) {
	if len(m) == 0 {
		return Payload("{}"), nil
	}
	return EncodeValue(cty.ObjectVal(m))
}

func checkValid(p Payload, target string) error {
	if len(p) == 0 {
		return &DecodeError{Target: target, Reason: "empty payload"}
	}
	if !gjson.ValidBytes(p) {
		return &DecodeError{Target: target, Reason: "malformed JSON"}
	}
	return nil
}

func validateStruct(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return validate.Struct(rv.Interface())
}
