package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/carmcp/pkg/config"
	"github.com/jllopis/carmcp/pkg/telemetry"
)

const (
	serviceName = "carmcp"
	version     = "0.1.0"
)

type globalFlags struct {
	ConfigPath string
	Profile    string
	Overrides  []string
	LogLevel   string
	LogFormat  string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

// cli carries the state shared by every command.
type cli struct {
	flags   globalFlags
	cfg     *config.Config
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
	metrics *telemetry.ToolMetrics
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global, rest, err := parseGlobalFlags(args)
	if err != nil {
		printError(stderr, NewInvalidArgumentError("flags", err.Error()), false)
		return 2
	}
	if global.Help || len(rest) == 0 {
		printUsage(stdout)
		return 0
	}
	switch rest[0] {
	case "help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.LoadWithOverrides(global.ConfigPath, global.Profile, global.Overrides)
	if err != nil {
		printError(stderr, NewConfigError(err, global.ConfigPath), global.JSON)
		return 1
	}
	applyGlobalFlags(cfg, global)
	if err := cfg.Validate(); err != nil {
		printError(stderr, NewConfigError(err, global.ConfigPath), global.JSON)
		return 1
	}

	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig(serviceName, version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Output:       stderr,
	})
	if err != nil {
		printError(stderr, NewConfigError(err, global.ConfigPath), global.JSON)
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry.shutdown.failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewToolMetrics()
	if err != nil {
		logger.Warn("telemetry.metrics.disabled", "error", err)
	}

	c := &cli{
		flags:   global,
		cfg:     cfg,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logger,
		metrics: metrics,
	}

	switch rest[0] {
	case "scenarios":
		err = c.runScenarios(rest[1:])
	case "scenario":
		err = c.runScenario(ctx, rest[1:])
	case "serve":
		err = c.runServe(ctx, rest[1:])
	case "tools":
		err = c.runTools(ctx, rest[1:])
	case "ask":
		err = c.runAsk(ctx, rest[1:])
	case "health":
		err = c.runHealth(ctx, rest[1:])
	default:
		err = NewInvalidArgumentError(rest[0], fmt.Sprintf("unknown command %q", rest[0]))
	}
	if err != nil {
		printError(stderr, err, global.JSON)
		return 1
	}
	return 0
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}

		name, value, hasValue := strings.Cut(arg, "=")
		takeValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for %s", name)
			}
			i++
			return args[i], nil
		}

		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--config":
			v, err := takeValue()
			if err != nil {
				return flags, nil, err
			}
			flags.ConfigPath = v
		case "--profile":
			v, err := takeValue()
			if err != nil {
				return flags, nil, err
			}
			flags.Profile = v
		case "--set":
			v, err := takeValue()
			if err != nil {
				return flags, nil, err
			}
			flags.Overrides = append(flags.Overrides, v)
		case "--log-level":
			v, err := takeValue()
			if err != nil {
				return flags, nil, err
			}
			flags.LogLevel = v
		case "--log-format":
			v, err := takeValue()
			if err != nil {
				return flags, nil, err
			}
			flags.LogFormat = v
		case "--timeout":
			v, err := takeValue()
			if err != nil {
				return flags, nil, err
			}
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return flags, nil, fmt.Errorf("invalid --timeout %q", v)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func applyGlobalFlags(cfg *config.Config, flags globalFlags) {
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.Log.Format = flags.LogFormat
	}
	if flags.Timeout > 0 {
		cfg.Server.TimeoutSeconds = int((flags.Timeout + time.Second - 1) / time.Second)
	}
}

func (c *cli) timeout() time.Duration {
	if c.flags.Timeout > 0 {
		return c.flags.Timeout
	}
	return c.cfg.Timeout()
}

func (c *cli) printJSON(value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(payload))
	return err
}

func (c *cli) newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(c.stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `carmcp: automotive MCP playground

Usage:
  carmcp [global flags] <command> [args]

Global flags:
  --config <path>        YAML config file
  --profile <name>       Merge <config>.<name>.yaml over the config file
  --set key=value        Override config (repeatable)
  --log-level <level>    debug, info, warn, error
  --log-format <format>  text or json
  --timeout <dur>        Per-request MCP timeout (default 30s)
  --json                 JSON output

Commands:
  scenarios                              List planner scenarios
  scenario <id> [--catalog f] [--audit]  Run a scenario through the planner
  serve [--http] [--addr a] [--watch]    Serve the services over MCP (stdio by default)
  tools [--in-process] [--url u]         List the tools exposed by the MCP server
  ask --prompt <text> [--provider p] [--model m] [--max-iterations n]
      [--transcript] [--in-process] [--url u]
                                         Run the model-driven tool-calling loop
  health [--in-process] [--url u]        Check catalog, server and model setup
  version`)
}
