package orchestration

import (
	"fmt"

	"github.com/koscakluka/ema-vpet/core/events"
)

type eventEmitter func(events.Event)

func noopEventEmitter(events.Event) {}

// newCallbackEventEmitter shields the pipeline from panicking host handlers.
func newCallbackEventEmitter(handler func(events.Event)) eventEmitter {
	if handler == nil {
		return noopEventEmitter
	}
	return func(event events.Event) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("event handler panicked", "kind", event.Kind(), "error", fmt.Sprint(recovered))
			}
		}()
		handler(event)
	}
}
