// Triage is an IT support ticket triage agent.
//
// It routes ticket text through classification, metadata extraction,
// knowledge search and historical lookup tools, merges their output into
// a structured recommendation, and serves the result over HTTP with
// synchronous, SSE and WebSocket endpoints keyed by conversation thread.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	triage serve                 Start the API server
//	triage ask <ticket text>     Analyze a single ticket (for testing)
//	triage history <threadId>    Print a thread's stored messages
//	triage usage [hours]         Print token usage by source
//	triage watch <threadId>      Follow a thread's stream over MQTT
//	triage version               Print version and build information
//	triage -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/triage-agent/internal/analysis"
	"github.com/nugget/triage-agent/internal/api"
	"github.com/nugget/triage-agent/internal/buildinfo"
	"github.com/nugget/triage-agent/internal/config"
	"github.com/nugget/triage-agent/internal/fanout"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the triage command. Arguments are
// parsed by hand so that run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var threadID string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-thread" && i+1 < len(args):
			threadID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-thread="):
			threadID = strings.TrimPrefix(args[i], "-thread=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: triage ask [-thread id] <ticket text>")
		}
		return runAsk(ctx, stdout, stderr, configPath, threadID, outputFmt, cmdArgs)
	case "history":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: triage history <threadId>")
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "usage":
		hours := 24
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: triage usage [hours]")
			}
			hours = n
		}
		return runUsage(ctx, stdout, configPath, outputFmt, time.Duration(hours)*time.Hour)
	case "watch":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: triage watch <threadId>")
		}
		return runWatch(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Triage - IT support ticket triage agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: triage [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the API server")
	fmt.Fprintln(w, "  ask <ticket>       Analyze a single ticket (for testing)")
	fmt.Fprintln(w, "  history <thread>   Print a thread's stored messages")
	fmt.Fprintln(w, "  usage [hours]      Token usage by source (default: 24 hours)")
	fmt.Fprintln(w, "  watch <thread>     Follow a thread's stream events (mqtt backend)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -thread <id>      Thread for ask (default: a new thread)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/triage/config.yaml, /etc/triage/config.yaml")
	return nil
}

// runAsk analyzes one ticket with the configured store and prints the
// result. The thread is kept, so `triage history` can show it afterwards.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, threadID, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger, appOptions{stream: false})
	if err != nil {
		return err
	}
	defer a.Close()

	if threadID == "" {
		threadID = "cli-" + uuid.NewString()
	}
	res, err := analysis.NewAnalyzer(a.loop, logger).Analyze(ctx, analysis.Request{
		ThreadID:   threadID,
		TicketText: strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printAnalysis(stdout, res)
	return nil
}

func printAnalysis(w io.Writer, res *analysis.Result) {
	fmt.Fprintf(w, "Thread:      %s\n", res.ThreadID)
	if c := res.Classification; c != nil {
		fmt.Fprintf(w, "Category:    %s (%s) -> %s, confidence %.2f\n", c.Category, c.Priority, c.AssignedTeam, c.Confidence)
	}
	fmt.Fprintf(w, "Complexity:  %s\n", res.ComplexityAssessment)
	fmt.Fprintf(w, "Tools used:  %s\n", strings.Join(res.ToolsUsed, ", "))
	if r := res.Recommendations; r != nil {
		fmt.Fprintf(w, "\n%s\n", r.Summary)
		for i, step := range r.ResolutionSteps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, step)
		}
		if r.EscalationNeeded {
			fmt.Fprintln(w, "\nEscalation needed.")
		}
	}
	fmt.Fprintf(w, "\n(%d ms)\n", res.ProcessingTimeMS)
}

// runHistory prints a thread in order, one message per line.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, threadID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cp.Messages)
	}
	for _, m := range cp.Messages {
		content := m.Content
		if len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			content = strings.TrimSpace(content + " [calls: " + strings.Join(names, ", ") + "]")
		}
		fmt.Fprintf(stdout, "%s  %-5s %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, content)
	}
	if pending := cp.Pending(); len(pending) > 0 {
		fmt.Fprintf(stdout, "(%d tool calls pending)\n", len(pending))
	}
	return nil
}

// runUsage prints token totals per source over the trailing window.
func runUsage(ctx context.Context, stdout io.Writer, configPath, outputFmt string, window time.Duration) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Usage.Disabled {
		return fmt.Errorf("token usage ledger is disabled")
	}

	ledger, err := openUsage(cfg.Usage.Path)
	if err != nil {
		return err
	}
	defer ledger.Close()

	end := time.Now()
	bySource, err := ledger.SummaryBySource(ctx, end.Add(-window), end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(bySource)
	}

	sources := make([]string, 0, len(bySource))
	for k := range bySource {
		sources = append(sources, k)
	}
	sort.Strings(sources)

	fmt.Fprintf(stdout, "Token usage, last %s\n", window)
	for _, src := range sources {
		sum := bySource[src]
		fmt.Fprintf(stdout, "  %-18s %5d calls %9d in %8d out\n", src, sum.Calls, sum.InputTokens, sum.OutputTokens)
	}
	if len(sources) == 0 {
		fmt.Fprintln(stdout, "  (no calls recorded)")
	}
	return nil
}

// runWatch follows one thread's stream events from a running server. Only
// the mqtt backend carries events between processes, so any other backend
// is rejected. It returns after the next terminal event or on SIGINT.
func runWatch(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, threadID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Stream.Backend != config.StreamMQTT {
		return fmt.Errorf("watch requires stream.backend %q, config has %q", config.StreamMQTT, cfg.Stream.Backend)
	}
	logger := configuredLogger(stderr, cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := newBroker(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	sub, err := broker.Subscribe(ctx, fanout.ChannelName(threadID))
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	defer sub.Close()

	logger.Info("watching thread", "thread", threadID, "channel", sub.Channel())
	return printEvents(stdout, sub.Events(), outputFmt)
}

// printEvents writes one line per event until the sequence ends.
func printEvents(w io.Writer, events iter.Seq[fanout.Event], outputFmt string) error {
	enc := json.NewEncoder(w)
	for ev := range events {
		if outputFmt == "json" {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			continue
		}
		switch d := ev.Data.(type) {
		case fanout.MessageData:
			switch {
			case len(d.ToolCalls) > 0:
				names := make([]string, len(d.ToolCalls))
				for i, tc := range d.ToolCalls {
					names[i] = tc.Name
				}
				fmt.Fprintf(w, "%-5s [calls: %s]\n", d.Role, strings.Join(names, ", "))
			case d.ToolName != "":
				fmt.Fprintf(w, "%-5s %s: %s\n", d.Role, d.ToolName, d.Content)
			default:
				fmt.Fprintf(w, "%-5s %s\n", d.Role, d.Content)
			}
		case fanout.ErrorData:
			fmt.Fprintf(w, "error %s\n", d.Message)
		default:
			fmt.Fprintln(w, ev.Type)
		}
	}
	return nil
}

// runServe loads config, wires the components, and serves the API until
// SIGINT or SIGTERM. Shutdown drains HTTP requests and detached streaming
// runs before closing the store.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting triage", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"store", cfg.Store.Backend,
		"stream", cfg.Stream.Backend,
		"azure", cfg.AzureOpenAI.Configured(),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{stream: true})
	if err != nil {
		return err
	}
	defer a.Close()

	deps := api.Deps{
		Runner:     a.loop,
		Store:      a.store,
		Historical: a.historical,
		Broker:     a.broker,
		Metrics:    a.metrics,
		Health:     a.health,
	}
	if a.usage != nil {
		deps.Usage = a.usage
	}

	server := api.NewServer(api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		Prefix:         cfg.API.Prefix,
		CORSOrigins:    cfg.API.CORSOrigins,
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		KeepAlive:      time.Duration(cfg.Stream.KeepAliveSec) * time.Second,
	}, deps, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("triage stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger applies the config's level and format. The level was
// validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
