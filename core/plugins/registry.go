package plugins

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/koscakluka/ema-vpet/core/commands"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrNotFound = errors.New("plugin not found")

// Registry holds the plugins and tools the agent may call. Names are looked
// up case-insensitively with spaces and underscores treated alike.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	tools   map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin), tools: make(map[string]Plugin)}
}

func (r *Registry) RegisterPlugin(plugin Plugin) {
	r.register(r.plugins, plugin)
}

func (r *Registry) RegisterTool(tool Plugin) {
	r.register(r.tools, tool)
}

func (r *Registry) register(into map[string]Plugin, plugin Plugin) {
	if r == nil || plugin == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	into[commands.NormalizeName(plugin.Name())] = plugin
}

func (r *Registry) ResolvePlugin(name string) (string, bool) {
	return r.resolve(r.plugins, name)
}

func (r *Registry) ResolveTool(name string) (string, bool) {
	return r.resolve(r.tools, name)
}

func (r *Registry) resolve(from map[string]Plugin, name string) (string, bool) {
	if r == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if plugin, ok := from[commands.NormalizeName(name)]; ok {
		return plugin.Name(), true
	}
	return "", false
}

func (r *Registry) InvokePlugin(ctx context.Context, name, args string) (string, error) {
	return r.invoke(ctx, r.plugins, "plugin", name, args)
}

func (r *Registry) InvokeTool(ctx context.Context, name, args string) (string, error) {
	return r.invoke(ctx, r.tools, "tool", name, args)
}

func (r *Registry) invoke(ctx context.Context, from map[string]Plugin, kind, name, args string) (response string, err error) {
	ctx, span := tracer.Start(ctx, "invoke "+kind)
	defer span.End()
	span.SetAttributes(attribute.String(kind+".name", name))

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s %q panicked: %v", kind, name, recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if r == nil {
		return "", fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	r.mu.RLock()
	plugin, ok := from[commands.NormalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}

	response, err = plugin.Invoke(ctx, args)
	if err != nil {
		logger.WarnContext(ctx, kind+" invocation failed", "name", plugin.Name(), "error", err)
		return "", fmt.Errorf("failed to execute %s %q: %w", kind, plugin.Name(), err)
	}
	return response, nil
}

// Definitions lists every registered plugin and tool sorted by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var definitions []Definition
	for _, from := range []map[string]Plugin{r.plugins, r.tools} {
		for _, plugin := range from {
			definition := Definition{Name: plugin.Name(), Description: plugin.Description()}
			if provider, ok := plugin.(schemaProvider); ok {
				definition.Parameters = provider.Schema()
			}
			definitions = append(definitions, definition)
		}
	}
	slices.SortFunc(definitions, func(a, b Definition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return definitions
}
