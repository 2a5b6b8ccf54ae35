package main

import (
	"context"
	"flag"
	"os"

	"github.com/jllopis/carmcp/pkg/config"
	"github.com/jllopis/carmcp/pkg/mcp"
	"github.com/jllopis/carmcp/pkg/services"
	"github.com/jllopis/carmcp/pkg/telemetry"
)

func (c *cli) newServer() *mcp.Server {
	return mcp.NewServer(serviceName, version, services.Default(),
		mcp.WithServerMetrics(c.metrics),
		mcp.WithServerLogger(c.logger),
	)
}

func (c *cli) runServe(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(c.stderr)
	useHTTP := cmd.Bool("http", false, "Serve Streamable HTTP instead of stdio")
	addr := cmd.String("addr", c.cfg.Server.HTTPAddr, "HTTP listen address")
	watch := cmd.Bool("watch", false, "Reload the log level when the config file changes")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("serve", err.Error())
	}

	if *watch {
		if c.flags.ConfigPath == "" {
			return NewInvalidArgumentError("--watch", "requires --config")
		}
		watcher, err := config.NewWatcher(c.flags.ConfigPath,
			config.WithWatchLogger(c.logger),
			config.WithWatchOverrides(c.flags.Profile, c.flags.Overrides),
		)
		if err != nil {
			return NewConfigError(err, c.flags.ConfigPath)
		}
		watcher.OnChange(func(cfg *config.Config) {
			telemetry.SetLevel(cfg.Log.Level)
			c.logger.Info("serve.log_level.updated", "level", cfg.Log.Level)
		})
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	srv := c.newServer()
	if *useHTTP {
		c.logger.Info("serve.http.start", "addr", *addr)
		return srv.ServeStreamableHTTP(ctx, *addr)
	}

	c.logger.Debug("serve.stdio.start")
	return srv.Listen(ctx, os.Stdin, c.stdout)
}
