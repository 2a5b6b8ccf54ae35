package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jllopis/carmcp/pkg/core"
	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/llm"
)

type healthReport struct {
	Status core.HealthStatus   `json:"status"`
	Checks []core.HealthResult `json:"checks"`
}

func (c *cli) runHealth(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(c.stderr)
	var transport transportFlags
	transport.register(cmd, c.cfg.Server.URL)
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("health", err.Error())
	}

	health := core.NewHealth(c.timeout())
	health.Register("catalog", core.HealthCheckFunc(func(context.Context) core.HealthResult {
		catalog, err := c.loadCatalog(c.cfg.Planner.Catalog)
		if err != nil {
			return core.HealthResult{Status: core.HealthUnhealthy, Error: err.Error()}
		}
		return core.HealthResult{Message: fmt.Sprintf("%d scenarios", len(catalog.IDs()))}
	}))
	health.Register("server", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
		client, err := c.connect(ctx, transport)
		if err != nil {
			return core.HealthResult{Status: core.HealthUnhealthy, Error: err.Error()}
		}
		defer client.Close()
		tools, err := client.ListTools(ctx)
		if err != nil {
			return core.HealthResult{Status: core.HealthUnhealthy, Error: err.Error()}
		}
		return core.HealthResult{Message: fmt.Sprintf("%d tools", len(tools))}
	}))
	health.Register("model", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
		p, err := createProvider(ctx, c.cfg)
		if err == nil {
			err = llm.CheckCredentials(p)
		}
		if err != nil {
			// The planner and server work without a model.
			return core.HealthResult{Status: core.HealthDegraded, Error: err.Error()}
		}
		return core.HealthResult{Message: c.cfg.LLM.Provider}
	}))

	results, overall := health.CheckAll(ctx)
	c.logger.Debug("health.check.complete", "status", overall)

	if c.flags.JSON {
		if err := c.printJSON(healthReport{Status: overall, Checks: results}); err != nil {
			return err
		}
	} else {
		writer := c.newTabWriter()
		writeRow(writer, "COMPONENT", "STATUS", "DETAIL")
		for _, r := range results {
			detail := r.Message
			if r.Error != "" {
				detail = r.Error
			}
			writeRow(writer, r.Component, string(r.Status), detail)
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Overall: %s\n", overall)
	}

	if overall == core.HealthUnhealthy {
		return errors.New(errors.CodeInternal, "one or more health checks failed", nil)
	}
	return nil
}
