package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vango-go/vai-realtime/internal/dotenv"
	"github.com/vango-go/vai-realtime/pkg/config"
	rt "github.com/vango-go/vai-realtime/pkg/core/providers/oai_realtime"
	"github.com/vango-go/vai-realtime/pkg/core/types"
)

const (
	defaultTurnTimeout = 2 * time.Minute
	maxToolRounds      = 8
)

type cliFlags struct {
	System      string
	Stream      bool
	NoTools     bool
	ToolChoice  string
	TurnTimeout time.Duration
	Prompt      string
}

type cliDeps struct {
	loadConfig func() (config.Config, error)
	now        func() time.Time
}

func defaultCLIDeps() cliDeps {
	return cliDeps{
		loadConfig: config.LoadFromEnv,
		now:        time.Now,
	}
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("vai-realtime", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&f.System, "system", "", "session instructions (overrides VAI_REALTIME_INSTRUCTIONS)")
	fs.BoolVar(&f.Stream, "stream", false, "print text deltas as they arrive")
	fs.BoolVar(&f.NoTools, "no-tools", false, "do not offer the built-in current_time tool")
	fs.StringVar(&f.ToolChoice, "tool-choice", "auto", "auto, none, required, or a tool name to force")
	fs.DurationVar(&f.TurnTimeout, "timeout", defaultTurnTimeout, "per-turn timeout including tool rounds")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if f.TurnTimeout <= 0 {
		return cliFlags{}, errors.New("timeout must be > 0")
	}
	switch f.ToolChoice {
	case "auto", "none", "required", currentTimeTool.Name:
	default:
		return cliFlags{}, fmt.Errorf("tool-choice %q: want auto, none, required or %s", f.ToolChoice, currentTimeTool.Name)
	}
	f.Prompt = strings.TrimSpace(strings.Join(fs.Args(), " "))
	return f, nil
}

func toolChoice(value string) *types.ToolChoice {
	switch value {
	case "auto":
		return types.ToolChoiceAuto()
	case "none":
		return types.ToolChoiceNone()
	case "required":
		return types.ToolChoiceRequired()
	default:
		return types.ToolChoiceTool(value)
	}
}

var currentTimeTool = types.NewFunctionTool(
	"current_time",
	"Returns the current date and time, optionally in an IANA time zone.",
	&types.JSONSchema{
		Type: "object",
		Properties: map[string]types.JSONSchema{
			"timezone": {Type: "string", Description: "IANA time zone name, e.g. Europe/Paris"},
		},
	},
)

func sessionOptions(cfg config.Config, f cliFlags, logger *slog.Logger) []rt.Option {
	instructions := cfg.Instructions
	if f.System != "" {
		instructions = f.System
	}
	opts := []rt.Option{
		rt.WithBaseURL(cfg.URL),
		rt.WithModel(cfg.Model),
		rt.WithTimeout(cfg.Timeout),
		rt.WithBetaHeader(cfg.BetaHeader),
		rt.WithMaxMessageBytes(cfg.MaxMessageBytes),
		rt.WithInstructions(instructions),
		rt.WithParameters(cfg.SessionParams),
		rt.WithLogger(logger),
	}
	if !f.NoTools {
		opts = append(opts, rt.WithTools(currentTimeTool), rt.WithToolChoice(toolChoice(f.ToolChoice)))
	}
	return opts
}

// runTool executes a built-in tool call.
func runTool(call rt.ToolCall, now func() time.Time) rt.ToolOutput {
	out := rt.ToolOutput{CallID: call.CallID}
	switch call.Name {
	case currentTimeTool.Name:
		t := now()
		zone, _ := call.Arguments["timezone"].(string)
		if zone != "" {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				out.Output = map[string]any{"error": fmt.Sprintf("unknown time zone %q", zone)}
				return out
			}
			t = t.In(loc)
		}
		out.Output = map[string]any{
			"time":     t.Format(time.RFC3339),
			"timezone": t.Location().String(),
		}
	default:
		out.Output = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	}
	return out
}

func runTools(msg *rt.ToolCallMessage, now func() time.Time, out io.Writer) []rt.ToolOutput {
	outputs := make([]rt.ToolOutput, 0, len(msg.Calls))
	for _, call := range msg.Calls {
		fmt.Fprintf(out, "[tool] %s %s\n", call.Name, call.RawArguments)
		outputs = append(outputs, runTool(call, now))
	}
	return outputs
}

type turnRunner struct {
	session *rt.Session
	flags   cliFlags
	now     func() time.Time
	out     io.Writer
	logger  *slog.Logger
}

func (r *turnRunner) run(ctx context.Context, prompt string) error {
	ctx, cancel := context.WithTimeout(ctx, r.flags.TurnTimeout)
	defer cancel()

	messages := []types.Message{types.UserMessage(prompt)}
	if r.flags.Stream {
		return r.stream(ctx, messages)
	}

	result, err := r.session.Chat(ctx, messages)
	var usage types.Usage
	for round := 0; err == nil; round++ {
		usage = usage.Add(result.TokenUsage())
		calls, ok := result.(*rt.ToolCallMessage)
		if !ok {
			break
		}
		if round >= maxToolRounds {
			return fmt.Errorf("model kept calling tools after %d rounds", maxToolRounds)
		}
		result, err = r.session.SubmitToolResults(ctx, runTools(calls, r.now, r.out))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, result.Text())
	r.logUsage(usage)
	return nil
}

func (r *turnRunner) logUsage(usage types.Usage) {
	r.logger.Debug("turn complete",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
}

func (r *turnRunner) stream(ctx context.Context, messages []types.Message) error {
	stream, err := r.session.Stream(ctx, messages)
	if err != nil {
		return err
	}
	defer stream.Close()

	rounds := 0
	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			r.logUsage(stream.Usage())
			return nil
		}
		if err != nil {
			fmt.Fprintln(r.out)
			return err
		}
		switch ev := event.(type) {
		case rt.TextDeltaEvent:
			fmt.Fprint(r.out, ev.Delta)
		case rt.ToolCallsPendingEvent:
			if rounds >= maxToolRounds {
				return fmt.Errorf("model kept calling tools after %d rounds", maxToolRounds)
			}
			rounds++
			if err := stream.SubmitToolResults(ctx, runTools(ev.Message, r.now, r.out)); err != nil {
				return err
			}
		}
	}
}

func runMain(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer, deps cliDeps) error {
	if deps.loadConfig == nil || deps.now == nil {
		return errors.New("missing cli dependency")
	}

	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	session := rt.New(cfg.APIKey, sessionOptions(cfg, f, logger)...)
	defer session.Close()

	runner := &turnRunner{session: session, flags: f, now: deps.now, out: out, logger: logger}
	if f.Prompt != "" {
		return runner.run(ctx, f.Prompt)
	}

	fmt.Fprintf(out, "Realtime session using %s. Type /exit to quit.\n", cfg.Model)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			fmt.Fprintln(out, "bye")
			return nil
		}
		if err := runner.run(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(errOut, "turn error: %v\n", err)
		}
	}
}

func main() {
	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(os.Stderr, "vai-realtime: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultCLIDeps()); err != nil {
		fmt.Fprintf(os.Stderr, "vai-realtime: %v\n", err)
		stop()
		os.Exit(1)
	}
}
