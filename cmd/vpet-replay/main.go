// Command vpet-replay runs a recorded agent reply through the orchestrator
// and prints what the pet would do.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	orchestration "github.com/koscakluka/ema-vpet/core"
	"github.com/koscakluka/ema-vpet/core/config"
	"github.com/koscakluka/ema-vpet/core/events"
	"github.com/koscakluka/ema-vpet/core/plugins"
	"github.com/koscakluka/ema-vpet/core/speech/deepgram"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var version = "dev"

type replayOptions struct {
	configPath  string
	live        bool
	metricsAddr string
	chunkSize   int
	chunkDelay  time.Duration
	deepgram    bool
	voice       string
}

func main() {
	opts := replayOptions{}

	rootCmd := &cobra.Command{
		Use:     "vpet-replay [file]",
		Short:   "Replay an agent reply against a console pet",
		Long:    "Reads an agent reply from a file or stdin, streams it through the reply orchestrator in small chunks and prints every bubble, animation, stat and mode change.",
		Args:    cobra.MaximumNArgs(1),
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open reply: %w", err)
				}
				defer file.Close()
				input = file
			}
			return runReplay(cmd.Context(), cmd.OutOrStdout(), input, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "settings file (YAML, JSON or TOML)")
	flags.BoolVar(&opts.live, "live", false, "start commands without waiting for the previous one to finish")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.IntVar(&opts.chunkSize, "chunk-size", 16, "bytes per streamed chunk")
	flags.BoolVar(&opts.deepgram, "deepgram", false, "download speech from Deepgram (needs DEEPGRAM_API_KEY)")
	flags.StringVar(&opts.voice, "voice", deepgram.DefaultVoice, "Deepgram voice model")
	flags.DurationVar(&opts.chunkDelay, "chunk-delay", 20*time.Millisecond, "pause between streamed chunks")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runReplay(ctx context.Context, out io.Writer, input io.Reader, opts replayOptions) error {
	settings, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.live {
		settings.Dispatch.Queued = false
	}
	if opts.chunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}

	text, err := io.ReadAll(input)
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}

	out = &lockedWriter{w: out}
	if opts.metricsAddr != "" {
		go serveMetrics(out, opts.metricsAddr)
	}

	pet := newConsolePet(out)
	orchestratorOpts := []orchestration.OrchestratorOption{
		orchestration.WithSettings(settings),
		orchestration.WithRenderer(pet),
		orchestration.WithPetStats(pet),
		orchestration.WithMover(pet),
		orchestration.WithShop(pet),
		orchestration.WithSettingWriter(pet),
		orchestration.WithPetController(pet),
		orchestration.WithPlugins(demoPlugins()),
		orchestration.WithEventHandler(func(event events.Event) { printEvent(out, event) }),
		orchestration.WithToolResultsCallback(func(results []orchestration.ToolResult) {
			for _, result := range results {
				fmt.Fprintf(out, "  [result] %s %s(%s) -> %q err=%v\n", result.Kind, result.Name, result.Args, result.Response, result.Err)
			}
		}),
	}
	if opts.deepgram {
		source, err := deepgram.NewSource(deepgram.WithVoice(opts.voice))
		if err != nil {
			return err
		}
		orchestratorOpts = append(orchestratorOpts, orchestration.WithAudioSource(source))
	}

	o := orchestration.NewOrchestrator(orchestratorOpts...)
	defer o.Close()

	reply := o.NewReply()
	go feed(ctx, reply, string(text), opts.chunkSize, opts.chunkDelay)

	if err := o.Respond(ctx, reply); err != nil {
		return err
	}
	o.WaitForStateTransitions(settings.State.TransitionTimeout)

	report := o.SpeechReport()
	fmt.Fprintf(out, "speech: %d started, %d completed, %d failed, avg %s, max %s\n",
		report.Started, report.Completed, report.Failed, report.AverageDuration, report.MaxDuration)
	for message, count := range report.Errors {
		fmt.Fprintf(out, "  %dx %s\n", count, message)
	}
	return nil
}

// feed streams text in fixed-size chunks the way an agent would.
func feed(ctx context.Context, reply *orchestration.Reply, text string, size int, delay time.Duration) {
	defer reply.Complete()

	for start := 0; start < len(text); start += size {
		reply.AddChunk(text[start:min(start+size, len(text))])
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			reply.Cancel()
			return
		case <-time.After(delay):
		}
	}
}

func serveMetrics(out io.Writer, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(out, "metrics server stopped: %v\n", err)
	}
}

func demoPlugins() *plugins.Registry {
	type clockArgs struct {
		Zone string `json:"zone,omitempty" jsonschema:"description=IANA time zone name"`
	}

	registry := plugins.NewRegistry()
	registry.RegisterPlugin(plugins.NewTyped("clock", "Tells the current time",
		func(_ context.Context, args clockArgs) (string, error) {
			now := time.Now()
			if args.Zone != "" {
				location, err := time.LoadLocation(args.Zone)
				if err != nil {
					return "", err
				}
				now = now.In(location)
			}
			return now.Format(time.Kitchen), nil
		}))
	registry.RegisterTool(plugins.NewFunc("echo", "Repeats its input",
		func(_ context.Context, args string) (string, error) { return args, nil }))
	return registry
}

func printEvent(out io.Writer, event events.Event) {
	switch event := event.(type) {
	case events.CommandDropped:
		fmt.Fprintf(out, "  [dropped] %s (%s)\n", event.Tag, event.Reason)
	case events.SegmentFailed:
		fmt.Fprintf(out, "  [failed] segment %d %s: %s\n", event.Index, event.Segment, event.Error)
	case events.SpeechFallback:
		fmt.Fprintf(out, "  [fallback] %s: %s\n", event.Target, event.Error)
	case events.StateTransitionFailed:
		fmt.Fprintf(out, "  [state] %s rolled back to %s: %s\n", event.Target, event.Previous, event.Error)
	case events.ReplyCompleted:
		fmt.Fprintf(out, "reply %s: %d segments, %d failed\n", event.ReplyID(), event.Segments, event.Failed)
	}
}

// lockedWriter serializes writes from the orchestrator's goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
