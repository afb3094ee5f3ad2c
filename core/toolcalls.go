package orchestration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/events"
)

// callRegistered runs a classified plugin or tool call. Inside a reply the
// rate limiter is only consulted for the first call to each name; a limited
// call is dropped without an error.
func (o *Orchestrator) callRegistered(ctx context.Context, action commands.Action) (time.Duration, error) {
	settings := settingsFromContext(ctx, o)
	session := sessionFromContext(ctx)
	replyID := replyIDFromContext(ctx)
	name, args := action.Invocation.Name, action.Invocation.Args

	bucket, limits, invoke := pluginBucket(name), settings.RateLimits.Plugin, o.registry.InvokePlugin
	if action.Kind == commands.KindTool {
		bucket, limits, invoke = toolBucket(name), settings.RateLimits.Tool, o.registry.InvokeTool
	}

	if !session.allow(bucket, func() bool { return o.limiter.Acquire(bucket, limits.Max, limits.Window) }) {
		logger.InfoContext(ctx, "call rate limited", "kind", action.Kind, "name", name)
		commandsTotal.WithLabelValues(string(action.Kind), outcomeRateLimited).Inc()
		o.emit(events.NewCommandDropped(replyID, action.Command.Tag, events.DropRateLimited))
		return 0, nil
	}

	id := uuid.NewString()
	o.emit(events.NewToolCallStarted(replyID, id, name, args))

	response, err := invoke(ctx, name, args)
	session.addResult(ToolResult{ID: id, Kind: string(action.Kind), Name: name, Args: args, Response: response, Err: err})
	if err != nil {
		o.emit(events.NewToolCallFailed(replyID, id, name, err.Error()))
		return 0, err
	}
	o.emit(events.NewToolCallCompleted(replyID, id, name, response))
	return 0, nil
}

func (o *Orchestrator) flushToolResults(ctx context.Context, session *Session) {
	results, ok := session.close()
	if !ok || len(results) == 0 || o.onToolResults == nil {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.ErrorContext(ctx, "tool results callback panicked", "reply_id", session.ID, "error", recovered)
		}
	}()
	o.onToolResults(results)
}
