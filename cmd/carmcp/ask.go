package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jllopis/carmcp/pkg/llm"
	"github.com/jllopis/carmcp/pkg/toolloop"
	"github.com/mattn/go-isatty"
)

func (c *cli) runAsk(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("ask", flag.ContinueOnError)
	cmd.SetOutput(c.stderr)
	prompt := cmd.String("prompt", "", "Question for the assistant")
	provider := cmd.String("provider", "", "Model provider (openai, anthropic, gemini, qwen, ollama, mock)")
	model := cmd.String("model", "", "Model name")
	maxIterations := cmd.Int("max-iterations", 0, "Maximum model turns")
	transcript := cmd.Bool("transcript", false, "Print the full conversation")
	var transport transportFlags
	transport.register(cmd, c.cfg.Server.URL)
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("ask", err.Error())
	}
	if *prompt == "" && cmd.NArg() > 0 {
		*prompt = strings.Join(cmd.Args(), " ")
	}
	if strings.TrimSpace(*prompt) == "" {
		return NewInvalidArgumentError("--prompt", "a prompt is required")
	}

	cfg := *c.cfg
	if *provider != "" && !strings.EqualFold(*provider, cfg.LLM.Provider) {
		cfg.LLM.Provider = strings.ToLower(*provider)
		cfg.LLM.Model = ""
		cfg.LLM.APIKey = ""
		cfg.ApplyFallbacks()
	}
	if *model != "" {
		cfg.LLM.Model = *model
	}
	if *maxIterations > 0 {
		cfg.Loop.MaxIterations = *maxIterations
	}
	if err := cfg.Validate(); err != nil {
		return NewConfigError(err, c.flags.ConfigPath)
	}

	p, err := createProvider(ctx, &cfg)
	if err != nil {
		return err
	}
	// Fail before spawning the server when the model cannot be reached.
	if err := llm.CheckCredentials(p); err != nil {
		return err
	}

	client, err := c.connect(ctx, transport)
	if err != nil {
		return err
	}
	defer client.Close()

	loop := toolloop.New(p, client,
		toolloop.WithModel(cfg.LLM.Model),
		toolloop.WithSystemPrompt(cfg.Loop.SystemPrompt),
		toolloop.WithMaxIterations(cfg.Loop.MaxIterations),
		toolloop.WithTemperature(cfg.LLM.Temperature),
		toolloop.WithLogger(c.logger),
		toolloop.WithMetrics(c.metrics),
	)
	result, runErr := loop.Run(ctx, *prompt)

	if c.flags.JSON {
		if result != nil {
			if err := c.printJSON(result); err != nil {
				return err
			}
		}
		return runErr
	}
	if result != nil && (*transcript || runErr != nil) {
		fmt.Fprint(c.stdout, result.Transcript())
		if runErr == nil {
			fmt.Fprintln(c.stdout, separator(c.stdout))
		}
	}
	if runErr != nil {
		return runErr
	}
	_, err = fmt.Fprintln(c.stdout, result.Answer)
	return err
}

// separator returns a rule sized for terminals and a plain marker otherwise.
func separator(w io.Writer) string {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return strings.Repeat("─", 60)
	}
	return "---"
}
