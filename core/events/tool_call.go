package events

const (
	// KindToolCallStarted identifies plugin or tool execution start.
	KindToolCallStarted Kind = "tool_call.started"
	// KindToolCallCompleted identifies successful plugin or tool completion.
	KindToolCallCompleted Kind = "tool_call.completed"
	// KindToolCallFailed identifies plugin or tool failure.
	KindToolCallFailed Kind = "tool_call.failed"
)

// ToolCallStarted marks start of plugin or tool execution.
type ToolCallStarted struct {
	Base
	ID        string
	Name      string
	Arguments string
}

// NewToolCallStarted creates a tool call started event.
func NewToolCallStarted(replyID, id, name, arguments string) ToolCallStarted {
	return ToolCallStarted{Base: NewBase(KindToolCallStarted, replyID), ID: id, Name: name, Arguments: arguments}
}

// ToolCallCompleted marks successful plugin or tool execution.
type ToolCallCompleted struct {
	Base
	ID       string
	Name     string
	Response string
}

// NewToolCallCompleted creates a tool call completed event.
func NewToolCallCompleted(replyID, id, name, response string) ToolCallCompleted {
	return ToolCallCompleted{Base: NewBase(KindToolCallCompleted, replyID), ID: id, Name: name, Response: response}
}

// ToolCallFailed marks failed plugin or tool execution.
type ToolCallFailed struct {
	Base
	ID    string
	Name  string
	Error string
}

// NewToolCallFailed creates a tool call failed event.
func NewToolCallFailed(replyID, id, name, err string) ToolCallFailed {
	return ToolCallFailed{Base: NewBase(KindToolCallFailed, replyID), ID: id, Name: name, Error: err}
}
