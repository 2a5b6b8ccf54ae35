package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/jllopis/carmcp/pkg/planner"
	"github.com/jllopis/carmcp/pkg/services"
)

type scenarioSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
}

func (c *cli) loadCatalog(path string) (*planner.Catalog, error) {
	catalog := planner.Builtin()
	if path == "" {
		return catalog, nil
	}
	extra, err := planner.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	if err := catalog.Merge(extra); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (c *cli) runScenarios(args []string) error {
	cmd := flag.NewFlagSet("scenarios", flag.ContinueOnError)
	cmd.SetOutput(c.stderr)
	catalogPath := cmd.String("catalog", c.cfg.Planner.Catalog, "Extra scenario catalog (YAML or JSON)")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("scenarios", err.Error())
	}

	catalog, err := c.loadCatalog(*catalogPath)
	if err != nil {
		return err
	}
	scenarios := catalog.List()

	if c.flags.JSON {
		out := make([]scenarioSummary, 0, len(scenarios))
		for _, s := range scenarios {
			out = append(out, scenarioSummary{ID: s.ID, Description: s.Description, Tools: s.Tools()})
		}
		return c.printJSON(out)
	}

	writer := c.newTabWriter()
	writeRow(writer, "ID", "CHAIN", "DESCRIPTION")
	for _, s := range scenarios {
		writeRow(writer, s.ID, strings.Join(s.Tools(), " -> "), s.Description)
	}
	return writer.Flush()
}

func (c *cli) runScenario(ctx context.Context, args []string) error {
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	cmd := flag.NewFlagSet("scenario", flag.ContinueOnError)
	cmd.SetOutput(c.stderr)
	catalogPath := cmd.String("catalog", c.cfg.Planner.Catalog, "Extra scenario catalog (YAML or JSON)")
	audit := cmd.Bool("audit", false, "Print the step audit trail")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("scenario", err.Error())
	}
	if id == "" && cmd.NArg() > 0 {
		id = cmd.Arg(0)
	}
	if id == "" {
		return NewInvalidArgumentError("scenario", "scenario id is required")
	}

	catalog, err := c.loadCatalog(*catalogPath)
	if err != nil {
		return err
	}

	store := planner.NewMemoryAuditStore()
	exec := planner.NewExecutor(services.Default(), catalog,
		planner.WithAuditHook(store.Hook()),
		planner.WithMetrics(c.metrics),
		planner.WithLogger(c.logger),
	)
	report, runErr := exec.Run(ctx, id)
	if report == nil {
		return runErr
	}

	var events []planner.AuditEvent
	if *audit {
		events, err = store.List(ctx, planner.AuditFilter{RunID: report.RunID})
		if err != nil {
			return err
		}
	}

	if c.flags.JSON {
		if *audit {
			err = c.printJSON(map[string]any{"report": report, "audit": events})
		} else {
			err = c.printJSON(report)
		}
	} else {
		_, err = fmt.Fprint(c.stdout, report.Text())
		for _, ev := range events {
			if ev.Status == planner.AuditStarted {
				continue
			}
			line := fmt.Sprintf("audit %s %s %s", ev.StepID, ev.Tool, ev.Status)
			if ev.Error != "" {
				line += " " + ev.Error
			}
			fmt.Fprintln(c.stdout, line)
		}
	}
	if runErr != nil {
		return runErr
	}
	return err
}
