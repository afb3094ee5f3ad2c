package plugins

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type weatherArgs struct {
	City string `json:"city" jsonschema:"description=City to look up"`
	Days int    `json:"days,omitempty"`
}

func newTestRegistry() *Registry {
	registry := NewRegistry()
	registry.RegisterPlugin(NewTyped("Weather Report", "Looks up the weather",
		func(_ context.Context, args weatherArgs) (string, error) {
			return strings.Repeat(args.City+";", max(args.Days, 1)), nil
		}))
	registry.RegisterTool(NewFunc("calculator", "Evaluates sums",
		func(_ context.Context, args string) (string, error) {
			if args == "boom" {
				panic("calculator exploded")
			}
			return "result:" + args, nil
		}))
	return registry
}

func TestRegistryResolvesNormalizedNames(t *testing.T) {
	registry := newTestRegistry()

	for _, name := range []string{"weather_report", "WEATHER REPORT", " Weather_Report "} {
		resolved, ok := registry.ResolvePlugin(name)
		if !ok || resolved != "Weather Report" {
			t.Fatalf("expected %q to resolve, got %q %v", name, resolved, ok)
		}
	}
	if _, ok := registry.ResolvePlugin("calculator"); ok {
		t.Fatalf("expected tools and plugins to be separate namespaces")
	}
}

func TestRegistryInvokesTypedPlugin(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	positional, err := registry.InvokePlugin(ctx, "weather_report", `"Tokyo", 2`)
	if err != nil || positional != "Tokyo;Tokyo;" {
		t.Fatalf("unexpected positional result %q %v", positional, err)
	}

	object, err := registry.InvokePlugin(ctx, "weather report", `{"city":"Oslo"}`)
	if err != nil || object != "Oslo;" {
		t.Fatalf("unexpected JSON result %q %v", object, err)
	}

	if _, err := registry.InvokePlugin(ctx, "weather report", `Oslo, soon`); err == nil {
		t.Fatalf("expected invalid positional argument to fail")
	}
}

func TestRegistryInvokeErrors(t *testing.T) {
	registry := newTestRegistry()
	ctx := context.Background()

	if _, err := registry.InvokePlugin(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := registry.InvokeTool(ctx, "calculator", "boom"); err == nil {
		t.Fatalf("expected panicking tool to return an error")
	}
	if got, err := registry.InvokeTool(ctx, "Calculator", "1+1"); err != nil || got != "result:1+1" {
		t.Fatalf("unexpected tool result %q %v", got, err)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	definitions := newTestRegistry().Definitions()

	if len(definitions) != 2 || definitions[0].Name != "Weather Report" || definitions[1].Name != "calculator" {
		t.Fatalf("unexpected definitions %#v", definitions)
	}
	schema := definitions[0].Parameters
	if schema == nil || schema.Properties == nil {
		t.Fatalf("expected typed plugin to publish a schema")
	}
	if _, ok := schema.Properties.Get("city"); !ok {
		t.Fatalf("expected schema to describe the city argument")
	}
	if definitions[1].Parameters != nil {
		t.Fatalf("expected raw function plugin to have no schema")
	}
}
