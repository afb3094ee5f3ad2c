package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-vpet/core/commands"
)

// Plugin is a named capability the agent can call with `name(args)`.
type Plugin interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args string) (string, error)
}

// Definition describes a plugin for prompt construction.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

type schemaProvider interface {
	Schema() *jsonschema.Schema
}

type funcPlugin struct {
	name        string
	description string
	fn          func(ctx context.Context, args string) (string, error)
}

// NewFunc wraps a function that receives the raw argument text.
func NewFunc(name, description string, fn func(ctx context.Context, args string) (string, error)) Plugin {
	return &funcPlugin{name: name, description: description, fn: fn}
}

func (p *funcPlugin) Name() string        { return p.name }
func (p *funcPlugin) Description() string { return p.description }
func (p *funcPlugin) Invoke(ctx context.Context, args string) (string, error) {
	return p.fn(ctx, args)
}

type typedPlugin[T any] struct {
	name        string
	description string
	fn          func(ctx context.Context, args T) (string, error)
	schema      *jsonschema.Schema
}

// NewTyped wraps a function taking a struct of arguments. Arguments arrive
// either as a JSON object or positionally (`Tokyo, 3`), in which case they
// fill the exported struct fields in declaration order.
func NewTyped[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) Plugin {
	reflector := jsonschema.Reflector{DoNotReference: true}
	var zero T
	return &typedPlugin[T]{
		name:        name,
		description: description,
		fn:          fn,
		schema:      reflector.Reflect(zero),
	}
}

func (p *typedPlugin[T]) Name() string               { return p.name }
func (p *typedPlugin[T]) Description() string        { return p.description }
func (p *typedPlugin[T]) Schema() *jsonschema.Schema { return p.schema }

func (p *typedPlugin[T]) Invoke(ctx context.Context, args string) (string, error) {
	var parsed T
	if err := decodeArgs(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid arguments for %q: %w", p.name, err)
	}
	return p.fn(ctx, parsed)
}

func decodeArgs(args string, target any) error {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil
	}
	if strings.HasPrefix(args, "{") {
		return json.Unmarshal([]byte(args), target)
	}

	value := reflect.ValueOf(target).Elem()
	if value.Kind() != reflect.Struct {
		return fmt.Errorf("positional arguments need a struct, got %s", value.Kind())
	}

	var fields []reflect.Value
	for i := 0; i < value.NumField(); i++ {
		if value.Type().Field(i).IsExported() {
			fields = append(fields, value.Field(i))
		}
	}

	parts := commands.SplitArgs(args)
	if len(parts) > len(fields) {
		return fmt.Errorf("expected at most %d arguments, got %d", len(fields), len(parts))
	}
	for i, part := range parts {
		if err := setField(fields[i], commands.Unquote(part)); err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
