package runtime

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/vk/evergo/payload"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Arg extracts the argument name from args and converts it to T. An absent or
// null argument yields ErrMissingArgument, a failed conversion
// ErrInvalidArgument.
func Arg[T any](args map[string]cty.Value, name string) (T, error) {
	var out T
	v, ok := args[name]
	if !ok || v.IsNull() {
		return out, MissingArgument(name)
	}
	if err := gocty.FromCtyValue(v, &out); err != nil {
		return out, InvalidArgument(name, err)
	}
	return out, nil
}

// OptionalArg is Arg with a fallback for absent or null arguments.
func OptionalArg[T any](args map[string]cty.Value, name string, fallback T) (T, error) {
	v, ok := args[name]
	if !ok || v.IsNull() {
		return fallback, nil
	}
	return Arg[T](args, name)
}

// BindArgs decodes the whole argument mapping into the struct T using its
// json and validate tags. A `required` field absent from args, or null, is
// reported as a missing argument; any other failure, including a present
// zero value, as an invalid one.
func BindArgs[T any](args map[string]cty.Value) (T, error) {
	var zero T
	p, err := payload.Encode(args)
	if err != nil {
		return zero, InvalidArgument("arguments", err)
	}
	out, err := payload.Decode[T](p)
	if err == nil {
		return out, nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			if v, ok := args[fe.Field()]; !ok || v.IsNull() {
				return zero, MissingArgument(fe.Field())
			}
		}
		return zero, InvalidArgument(fe.Field(), err)
	}
	return zero, InvalidArgument("arguments", err)
}
