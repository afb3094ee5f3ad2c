// Package events defines the typed orchestration event contract.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - reply.*
//   - segment.*
//   - command.*
//   - tool_call.*
//   - speech.*
//   - state.*
//
// reply events
//
//   - ReplyStarted (reply.started): a session was opened for a new reply.
//   - ReplyCompleted (reply.completed): every segment of the reply was
//     processed and the session was closed.
//
// segment events
//
//   - SegmentStarted (segment.started): processing of one segment began.
//   - SegmentCompleted (segment.completed): the segment's side effects
//     finished.
//   - SegmentFailed (segment.failed): the segment failed; the reply
//     continues with the next one.
//
// command events
//
//   - CommandDropped (command.dropped): a command was not executed because it
//     was unrecognized, disabled or rate limited.
//
// tool_call events
//
//   - ToolCallStarted (tool_call.started): plugin or tool execution started.
//   - ToolCallCompleted (tool_call.completed): plugin or tool execution
//     completed.
//   - ToolCallFailed (tool_call.failed): plugin or tool execution failed.
//
// speech events
//
//   - SpeechFallback (speech.fallback): prefetched audio was unavailable and
//     a simpler presentation was used instead.
//
// state events
//
//   - StateTransitionFailed (state.transition_failed): a pet mode change
//     failed and was rolled back.
package events
