package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/koscakluka/ema-vpet/core/commands"
)

// Completion signals that a handler finished. It may carry a duration hint:
// how long the visible effect (e.g. an animation) keeps running after the
// call returned.
type Completion struct {
	done chan struct{}
	err  error
	hint time.Duration
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns an already resolved completion.
func Completed(hint time.Duration, err error) *Completion {
	c := NewCompletion()
	c.Resolve(hint, err)
	return c
}

// Resolve must be called exactly once.
func (c *Completion) Resolve(hint time.Duration, err error) {
	c.hint, c.err = hint, err
	close(c.done)
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the completion resolves or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DurationHint is valid once Done is closed.
func (c *Completion) DurationHint() time.Duration {
	select {
	case <-c.done:
		return c.hint
	default:
		return 0
	}
}

// Handler executes one classified command. The argument is empty, an int or
// a string depending on the command.
type Handler interface {
	Execute(ctx context.Context, arg commands.Argument) *Completion
}

// ActionHandler is implemented by handlers that need the whole classified
// action rather than its single argument.
type ActionHandler interface {
	ExecuteAction(ctx context.Context, action commands.Action) *Completion
}

// HandlerFunc runs inline and resolves when it returns.
type HandlerFunc func(ctx context.Context, arg commands.Argument) (time.Duration, error)

func (f HandlerFunc) Execute(ctx context.Context, arg commands.Argument) *Completion {
	hint, err := runRecovered("handler", func() (time.Duration, error) { return f(ctx, arg) })
	return Completed(hint, err)
}

// Background runs fn on its own goroutine; Execute returns immediately.
func Background(fn HandlerFunc) Handler {
	return backgroundHandler(fn)
}

type backgroundHandler HandlerFunc

func (f backgroundHandler) Execute(ctx context.Context, arg commands.Argument) *Completion {
	completion := NewCompletion()
	go func() {
		completion.Resolve(runRecovered("handler", func() (time.Duration, error) { return f(ctx, arg) }))
	}()
	return completion
}

type actionHandlerFunc func(ctx context.Context, action commands.Action) (time.Duration, error)

func (f actionHandlerFunc) Execute(ctx context.Context, arg commands.Argument) *Completion {
	return Completed(0, fmt.Errorf("handler needs a classified action, got argument %q", arg.Text()))
}

func (f actionHandlerFunc) ExecuteAction(ctx context.Context, action commands.Action) *Completion {
	hint, err := runRecovered(string(action.Kind), func() (time.Duration, error) { return f(ctx, action) })
	return Completed(hint, err)
}

func execute(ctx context.Context, handler Handler, action commands.Action) *Completion {
	if actionHandler, ok := handler.(ActionHandler); ok {
		return actionHandler.ExecuteAction(ctx, action)
	}
	completion := handler.Execute(ctx, action.Argument())
	if completion == nil {
		return Completed(0, nil)
	}
	return completion
}

// defaultHandlers builds the built-in handler table. Capabilities whose host
// collaborator is missing are left out.
func (o *Orchestrator) defaultHandlers() map[string]Handler {
	handlers := map[string]Handler{
		commands.CapabilityPlugin: actionHandlerFunc(o.callRegistered),
		commands.CapabilityTool:   actionHandlerFunc(o.callRegistered),
	}

	if o.stats != nil {
		handlers[commands.CapabilityStat] = actionHandlerFunc(o.changeStat)
	}
	if o.mover != nil {
		handlers[commands.CapabilityMove] = HandlerFunc(func(ctx context.Context, arg commands.Argument) (time.Duration, error) {
			return 0, o.mover.Move(ctx, arg.Text())
		})
	}
	if o.shop != nil {
		handlers[commands.CapabilityBuy] = HandlerFunc(func(ctx context.Context, arg commands.Argument) (time.Duration, error) {
			return 0, o.shop.Buy(ctx, arg.Text())
		})
	}
	if o.renderer != nil {
		handlers[commands.CapabilityAnimation] = HandlerFunc(func(ctx context.Context, arg commands.Argument) (time.Duration, error) {
			return o.renderer.PlayAnimation(ctx, arg.Text())
		})
	}
	if o.settingWriter != nil {
		handlers[commands.CapabilitySetting] = actionHandlerFunc(func(ctx context.Context, action commands.Action) (time.Duration, error) {
			return 0, o.settingWriter.ApplySetting(ctx, action.Setting.Key, action.Setting.Value)
		})
	}
	if o.memory != nil {
		handlers[commands.CapabilityRecord] = actionHandlerFunc(func(_ context.Context, action commands.Action) (time.Duration, error) {
			_, err := o.memory.Add(action.Record.Text, action.Record.Weight)
			return 0, err
		})
		handlers[commands.CapabilityRecordModify] = actionHandlerFunc(func(_ context.Context, action commands.Action) (time.Duration, error) {
			_, err := o.memory.Modify(action.Record.ID, action.Record.Text, action.Record.Weight)
			return 0, err
		})
	}
	return handlers
}

func (o *Orchestrator) changeStat(ctx context.Context, action commands.Action) (time.Duration, error) {
	settings := settingsFromContext(ctx, o)
	current := o.stats.Stat(action.Stat.Stat)
	applied := limitStatDelta(current, action.Stat.Delta, settings.Stats.MaxChangeRatio, settings.Stats.MinStep)
	if applied != action.Stat.Delta {
		logger.InfoContext(ctx, "stat change limited",
			"stat", action.Stat.Stat, "current", current, "requested", action.Stat.Delta, "applied", applied)
	}
	if applied == 0 {
		return 0, nil
	}
	return 0, o.stats.ChangeStat(ctx, action.Stat.Stat, applied)
}

func runRecovered(name string, run func() (time.Duration, error)) (hint time.Duration, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			hint, err = 0, fmt.Errorf("%s panicked: %v", name, recovered)
		}
	}()
	return run()
}
