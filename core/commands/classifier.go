package commands

import (
	"context"
	"math"
	"strconv"
	"strings"
)

// Permissions are the per-action enable flags sourced from configuration.
type Permissions struct {
	Move     bool
	Buy      bool
	State    bool
	Stats    bool
	Plugins  bool
	Tools    bool
	Settings bool
	Records  bool
}

func AllowAll() Permissions {
	return Permissions{Move: true, Buy: true, State: true, Stats: true, Plugins: true, Tools: true, Settings: true, Records: true}
}

// Resolver maps a name written by the agent to a registered plugin or tool.
// It returns the canonical registered name.
type Resolver interface {
	ResolvePlugin(name string) (string, bool)
	ResolveTool(name string) (string, bool)
}

type noResolver struct{}

func (noResolver) ResolvePlugin(string) (string, bool) { return "", false }
func (noResolver) ResolveTool(string) (string, bool)   { return "", false }

type keyword struct {
	kind       Kind
	capability string
	stat       Stat
}

var keywords = map[string]keyword{
	"say":           {kind: KindSpeak, capability: CapabilitySay},
	"speak":         {kind: KindSpeak, capability: CapabilitySay},
	"talk":          {kind: KindSpeak, capability: CapabilitySay},
	"happy":         {kind: KindStat, capability: CapabilityStat, stat: StatMood},
	"mood":          {kind: KindStat, capability: CapabilityStat, stat: StatMood},
	"feeling":       {kind: KindStat, capability: CapabilityStat, stat: StatMood},
	"health":        {kind: KindStat, capability: CapabilityStat, stat: StatHealth},
	"exp":           {kind: KindStat, capability: CapabilityStat, stat: StatExperience},
	"experience":    {kind: KindStat, capability: CapabilityStat, stat: StatExperience},
	"move":          {kind: KindMove, capability: CapabilityMove},
	"buy":           {kind: KindBuy, capability: CapabilityBuy},
	"action":        {kind: KindAnimation, capability: CapabilityAnimation},
	"animation":     {kind: KindAnimation, capability: CapabilityAnimation},
	"plugin":        {kind: KindPlugin, capability: CapabilityPlugin},
	"tool":          {kind: KindTool, capability: CapabilityTool},
	"vpet_setting":  {kind: KindSetting, capability: CapabilitySetting},
	"vpetsetting":   {kind: KindSetting, capability: CapabilitySetting},
	"setting":       {kind: KindSetting, capability: CapabilitySetting},
	"record":        {kind: KindRecord, capability: CapabilityRecord},
	"memory":        {kind: KindRecord, capability: CapabilityRecord},
	"record_modify": {kind: KindRecordModify, capability: CapabilityRecordModify},
	"modify_record": {kind: KindRecordModify, capability: CapabilityRecordModify},
}

var petModes = map[string]bool{StateSleep: true, StateWork: true, StateStudy: true, StateNormal: true}

const defaultRecordWeight = 5

// Classifier maps commands to semantic actions.
type Classifier struct {
	permissions Permissions
	resolver    Resolver
}

func NewClassifier(permissions Permissions, resolver Resolver) *Classifier {
	if resolver == nil {
		resolver = noResolver{}
	}
	return &Classifier{permissions: permissions, resolver: resolver}
}

// Classify never fails: commands that cannot be mapped come back with
// KindUnrecognized and are logged.
func (c *Classifier) Classify(command Command) Action {
	tag := normalizeKeyword(command.Tag)

	var (
		action Action
		ok     bool
	)
	if kw, known := keywords[tag]; known {
		action, ok = c.classifyKeyword(kw, command)
	} else {
		action, ok = c.classifyPluginShape(command)
	}

	if !ok {
		logger.WarnContext(context.Background(), "unrecognized command",
			"tag", command.Tag, "payload", command.Payload, "format", command.Format.String())
		return Action{Kind: KindUnrecognized, Command: command}
	}

	action.Command = command
	action.Enabled = c.enabled(action.Kind)
	return action
}

func (c *Classifier) classifyKeyword(kw keyword, command Command) (Action, bool) {
	action := Action{Kind: kw.kind, Capability: kw.capability}
	payload := strings.TrimSpace(command.Payload)

	switch kw.kind {
	case KindSpeak:
		speak, ok := parseSpeak(payload)
		action.Speak = speak
		return action, ok

	case KindStat:
		delta, ok := parseInt(callValue(payload))
		action.Stat = StatChange{Stat: kw.stat, Delta: delta}
		return action, ok

	case KindMove:
		action.Target = Unquote(callValue(payload))
		return action, true

	case KindBuy:
		action.Target = Unquote(callValue(payload))
		return action, action.Target != ""

	case KindAnimation:
		if state, ok := parseStateChange(payload); ok {
			action.Kind = KindState
			action.Capability = CapabilityState
			action.State = state
			return action, true
		}
		action.Target = Unquote(callValue(payload))
		return action, action.Target != ""

	case KindPlugin:
		invocation, ok := c.parseInvocation(payload, c.resolver.ResolvePlugin)
		action.Invocation = invocation
		return action, ok

	case KindTool:
		invocation, ok := c.parseInvocation(payload, c.resolver.ResolveTool)
		action.Invocation = invocation
		return action, ok

	case KindSetting:
		setting, ok := parseSetting(payload)
		action.Setting = setting
		return action, ok

	case KindRecord:
		record, ok := parseRecord(payload)
		if record.Weight == 0 {
			record.Weight = defaultRecordWeight
		}
		action.Record = record
		return action, ok && record.Text != ""

	case KindRecordModify:
		record, ok := parseRecord(payload)
		action.Record = record
		return action, ok && record.ID != 0
	}

	return action, false
}

// classifyPluginShape handles tags that are not keywords: the tag itself or
// the payload may name a registered plugin.
func (c *Classifier) classifyPluginShape(command Command) (Action, bool) {
	action := Action{Kind: KindPlugin, Capability: CapabilityPlugin}

	if name, ok := c.resolver.ResolvePlugin(command.Tag); ok {
		action.Invocation = Invocation{Name: name, Args: strings.TrimSpace(command.Payload)}
		return action, true
	}

	candidates := []string{command.Payload}
	if command.Format == FormatBracket {
		candidates = append(candidates, command.inner())
	}
	for _, candidate := range candidates {
		for _, parse := range []func(string) (Call, bool){ParseCall, ParseCallLast} {
			call, ok := parse(candidate)
			if !ok {
				continue
			}
			if name, ok := c.resolver.ResolvePlugin(call.Name); ok {
				action.Invocation = Invocation{Name: name, Args: call.Raw}
				return action, true
			}
		}
	}
	return action, false
}

func (c *Classifier) parseInvocation(payload string, resolve func(string) (string, bool)) (Invocation, bool) {
	if call, ok := ParseCall(payload); ok {
		if name, ok := resolve(call.Name); ok {
			return Invocation{Name: name, Args: call.Raw}, true
		}
	}
	if call, ok := ParseCallLast(payload); ok {
		if name, ok := resolve(call.Name); ok {
			return Invocation{Name: name, Args: call.Raw}, true
		}
	}
	if name, ok := resolve(Unquote(payload)); ok {
		return Invocation{Name: name}, true
	}
	return Invocation{}, false
}

func (c *Classifier) enabled(kind Kind) bool {
	p := c.permissions
	switch kind {
	case KindStat:
		return p.Stats
	case KindMove:
		return p.Move
	case KindBuy:
		return p.Buy
	case KindState:
		return p.State
	case KindPlugin:
		return p.Plugins
	case KindTool:
		return p.Tools
	case KindSetting:
		return p.Settings
	case KindRecord, KindRecordModify:
		return p.Records
	}
	return true
}

func normalizeKeyword(tag string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), "-", "_")
}

// NormalizeName folds a display name for case-insensitive lookups with spaces
// replaced by underscores.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// callValue unwraps `name(value)` to value; anything else is returned as is.
func callValue(payload string) string {
	if call, ok := ParseCall(payload); ok {
		return call.Raw
	}
	return payload
}

func parseSpeak(payload string) (Speak, bool) {
	if call, ok := ParseCall(payload); ok {
		if kw, known := keywords[normalizeKeyword(call.Name)]; known && kw.kind == KindSpeak {
			speak := Speak{Text: call.Arg(0), Animation: call.Arg(1)}
			return speak, speak.Text != ""
		}
	}

	parts := SplitArgs(payload)
	if len(parts) > 1 && isQuoted(parts[0]) {
		speak := Speak{Text: Unquote(parts[0]), Animation: Unquote(parts[1])}
		return speak, speak.Text != ""
	}

	text := Unquote(payload)
	return Speak{Text: text}, text != ""
}

func parseInt(value string) (int, bool) {
	value = strings.TrimPrefix(strings.TrimSpace(Unquote(value)), "+")
	if n, err := strconv.Atoi(value); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	// float64(math.MaxInt) rounds up to 2^63, which is itself out of range.
	if f = math.Round(f); f < math.MinInt || f >= math.MaxInt {
		return 0, false
	}
	return int(f), true
}

func parseStateChange(payload string) (StateChange, bool) {
	value := Unquote(payload)
	if call, ok := ParseCall(value); ok {
		target := strings.ToLower(call.Name)
		if petModes[target] {
			return StateChange{Target: target, Name: call.Arg(0)}, true
		}
		if len(call.Args) > 0 && petModes[strings.ToLower(call.Arg(0))] {
			return StateChange{Target: strings.ToLower(call.Arg(0)), Name: call.Arg(1)}, true
		}
		return StateChange{}, false
	}
	if target, name, found := strings.Cut(value, ":"); found {
		target = strings.ToLower(strings.TrimSpace(target))
		if petModes[target] {
			return StateChange{Target: target, Name: Unquote(name)}, true
		}
		return StateChange{}, false
	}
	target := strings.ToLower(value)
	return StateChange{Target: target}, petModes[target]
}

func parseSetting(payload string) (Setting, bool) {
	value := Unquote(payload)
	if call, ok := ParseCall(value); ok && len(call.Args) >= 2 {
		return Setting{Key: call.Arg(0), Value: call.Arg(1)}, call.Arg(0) != ""
	}
	for _, sep := range []string{":", "="} {
		if key, val, found := strings.Cut(value, sep); found {
			setting := Setting{Key: strings.TrimSpace(key), Value: Unquote(val)}
			return setting, setting.Key != ""
		}
	}
	return Setting{}, false
}

func parseRecord(payload string) (Record, bool) {
	var record Record
	calls := ParseCalls(payload)
	if len(calls) == 0 {
		record.Text = Unquote(payload)
		return record, true
	}

	for _, call := range calls {
		switch strings.ToLower(call.Name) {
		case "text", "content":
			record.Text = call.Arg(0)
		case "weight", "importance":
			weight, ok := parseInt(call.Arg(0))
			if !ok {
				return record, false
			}
			record.Weight = weight
		case "id":
			id, err := strconv.ParseUint(strings.TrimSpace(call.Arg(0)), 10, 64)
			if err != nil {
				return record, false
			}
			record.ID = id
		}
	}
	return record, true
}
