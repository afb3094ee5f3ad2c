package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/koscakluka/ema-vpet/core/commands"
)

// consolePet prints every side effect instead of animating an avatar.
type consolePet struct {
	out io.Writer

	mu    sync.Mutex
	stats map[commands.Stat]int
	state string
}

func newConsolePet(out io.Writer) *consolePet {
	return &consolePet{
		out: out,
		stats: map[commands.Stat]int{
			commands.StatMood:       50,
			commands.StatHealth:     80,
			commands.StatExperience: 0,
		},
		state: commands.StateNormal,
	}
}

func (p *consolePet) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *consolePet) Say(_ context.Context, text, animation string, audio []byte) (time.Duration, error) {
	switch {
	case len(audio) > 0:
		p.printf("[say] %q (%s, %d bytes of audio)", text, animation, len(audio))
	case animation != "":
		p.printf("[say] %q (%s)", text, animation)
	default:
		p.printf("[say] %q", text)
	}
	return 0, nil
}

func (p *consolePet) PlayAnimation(_ context.Context, name string) (time.Duration, error) {
	p.printf("[animation] %s", name)
	return 500 * time.Millisecond, nil
}

func (p *consolePet) Stat(stat commands.Stat) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats[stat]
}

func (p *consolePet) ChangeStat(_ context.Context, stat commands.Stat, delta int) error {
	p.mu.Lock()
	p.stats[stat] += delta
	value := p.stats[stat]
	p.mu.Unlock()

	p.printf("[stat] %s %+d = %d", stat, delta, value)
	return nil
}

func (p *consolePet) Move(_ context.Context, target string) error {
	if target == "" {
		target = "somewhere"
	}
	p.printf("[move] %s", target)
	return nil
}

func (p *consolePet) Buy(_ context.Context, item string) error {
	p.printf("[buy] %s", item)
	return nil
}

func (p *consolePet) ApplySetting(_ context.Context, key, value string) error {
	p.printf("[setting] %s = %s", key, value)
	return nil
}

func (p *consolePet) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *consolePet) setState(state, item string) error {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()

	if item != "" {
		p.printf("[state] %s (%s)", state, item)
		return nil
	}
	p.printf("[state] %s", state)
	return nil
}

func (p *consolePet) Sleep(context.Context) error { return p.setState(commands.StateSleep, "") }
func (p *consolePet) Work(_ context.Context, item string) error {
	return p.setState(commands.StateWork, item)
}
func (p *consolePet) Study(_ context.Context, item string) error {
	return p.setState(commands.StateStudy, item)
}
func (p *consolePet) Normal(context.Context) error { return p.setState(commands.StateNormal, "") }
func (p *consolePet) SetState(_ context.Context, state string) error {
	return p.setState(state, "")
}
