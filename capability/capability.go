// Package capability defines the fixed set of actions the inference loop may
// take, validates their arguments and dispatches them.
//
// The registry itself performs no I/O; every side effect happens inside the
// handler bound to a capability, which delegates to the command sandbox or
// the package index.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// Capability is the immutable, serializable descriptor of an action.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Result      map[string]any `json:"result,omitempty"`
}

// Definition pairs a Capability with its handler.
type Definition struct {
	Capability
	invoke func(ctx context.Context, args json.RawMessage) (Outcome, error)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func argsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// Define builds a Definition whose parameter schema is reflected from A and
// whose result schema is reflected from result. Arguments are decoded
// strictly into A and checked against its validate tags before fn runs.
// An error returned by fn becomes a failure Outcome.
func Define[A any](name, description string, result any, fn func(ctx context.Context, args A) (Outcome, error)) Definition {
	var zero A
	def := Definition{
		Capability: Capability{
			Name:        name,
			Description: description,
			Parameters:  SchemaFor(zero),
		},
	}
	if result != nil {
		def.Result = SchemaFor(result)
	}
	def.invoke = func(ctx context.Context, raw json.RawMessage) (Outcome, error) {
		args, err := decodeArgs[A](raw)
		if err != nil {
			return Outcome{}, &ArgumentValidationError{Capability: name, Err: err}
		}
		out, err := fn(ctx, args)
		if err != nil {
			return FailureFromError(err), nil
		}
		return out, nil
	}
	return def
}

func decodeArgs[A any](raw json.RawMessage) (A, error) {
	var args A
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, err
	}
	if dec.More() {
		return args, errors.New("trailing data after arguments object")
	}
	if err := argsValidator().Struct(args); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return args, describeValidation(verrs)
		}
		return args, err
	}
	return args, nil
}

func describeValidation(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required", "notblank":
			msgs = append(msgs, field+" is required")
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// SchemaFor reflects a JSON schema object for v, inlined and without the
// $schema/$id header so it can be embedded in tool definitions.
func SchemaFor(v any) map[string]any {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}
