package commands

import "strconv"

// Kind is the semantic class of a recognised command.
type Kind string

const (
	KindSpeak        Kind = "speak"
	KindStat         Kind = "stat"
	KindMove         Kind = "move"
	KindBuy          Kind = "buy"
	KindAnimation    Kind = "animation"
	KindState        Kind = "state"
	KindPlugin       Kind = "plugin"
	KindTool         Kind = "tool"
	KindSetting      Kind = "setting"
	KindRecord       Kind = "record"
	KindRecordModify Kind = "record_modify"
	KindUnrecognized Kind = "unrecognized"
)

// Capability keys used to look up the handler that executes an action.
const (
	CapabilitySay          = "say"
	CapabilityStat         = "stat"
	CapabilityMove         = "move"
	CapabilityBuy          = "buy"
	CapabilityAnimation    = "animation"
	CapabilityState        = "state"
	CapabilityPlugin       = "plugin"
	CapabilityTool         = "tool"
	CapabilitySetting      = "setting"
	CapabilityRecord       = "record"
	CapabilityRecordModify = "record_modify"
)

type Stat string

const (
	StatMood       Stat = "mood"
	StatHealth     Stat = "health"
	StatExperience Stat = "experience"
)

// Pet modes understood by the state transition queue.
const (
	StateSleep  = "sleep"
	StateWork   = "work"
	StateStudy  = "study"
	StateNormal = "normal"
)

type Speak struct {
	Text      string
	Animation string
}

type StatChange struct {
	Stat  Stat
	Delta int
}

type StateChange struct {
	Target string
	// Name is the optional work/study item, e.g. `work(copywriting)`.
	Name string
}

type Invocation struct {
	Name string
	Args string
}

type Setting struct {
	Key   string
	Value string
}

type Record struct {
	ID     uint64
	Text   string
	Weight int
}

// Action is a classified command together with the capability required to
// execute it.
type Action struct {
	Kind       Kind
	Capability string
	// Enabled is false when configuration forbids this kind of action.
	Enabled bool
	Command Command

	Speak      Speak
	Stat       StatChange
	Target     string
	State      StateChange
	Invocation Invocation
	Setting    Setting
	Record     Record
}

func (a Action) Recognized() bool { return a.Kind != KindUnrecognized }

// Argument returns the single handler argument for simple actions.
func (a Action) Argument() Argument {
	switch a.Kind {
	case KindStat:
		return IntArg(a.Stat.Delta)
	case KindMove:
		if a.Target == "" {
			return NoArg()
		}
		return StringArg(a.Target)
	case KindBuy, KindAnimation:
		return StringArg(a.Target)
	case KindState:
		return StringArg(a.State.Target)
	case KindSpeak:
		return StringArg(a.Speak.Text)
	case KindPlugin, KindTool:
		return StringArg(a.Invocation.Args)
	case KindSetting:
		return StringArg(a.Setting.Key + ":" + a.Setting.Value)
	case KindRecord, KindRecordModify:
		return StringArg(a.Record.Text)
	}
	return NoArg()
}

type ArgumentKind int

const (
	ArgNone ArgumentKind = iota
	ArgInt
	ArgString
)

// Argument is the value passed to a handler: nothing, an int or a string.
type Argument struct {
	Kind   ArgumentKind
	Int    int
	String string
}

func NoArg() Argument             { return Argument{Kind: ArgNone} }
func IntArg(v int) Argument       { return Argument{Kind: ArgInt, Int: v} }
func StringArg(v string) Argument { return Argument{Kind: ArgString, String: v} }

// Text renders the argument for logs and string-only handlers.
func (a Argument) Text() string {
	switch a.Kind {
	case ArgInt:
		return strconv.Itoa(a.Int)
	case ArgString:
		return a.String
	}
	return ""
}
