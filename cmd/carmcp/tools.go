package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jllopis/carmcp/pkg/mcp"
	"github.com/jllopis/carmcp/pkg/registry"
)

// transportFlags selects how a command reaches the MCP server.
type transportFlags struct {
	inProcess bool
	url       string
}

func (t *transportFlags) register(cmd *flag.FlagSet, defaultURL string) {
	cmd.BoolVar(&t.inProcess, "in-process", false, "Run the MCP server inside this process")
	cmd.StringVar(&t.url, "url", defaultURL, "Connect to a Streamable HTTP MCP server")
}

// connect opens a client over the selected transport. Without flags it
// spawns the configured server command, or this binary's serve command.
func (c *cli) connect(ctx context.Context, t transportFlags) (*mcp.Client, error) {
	opts := []mcp.ClientOption{
		mcp.WithTimeout(c.timeout()),
		mcp.WithClientInfo(serviceName, version),
		mcp.WithClientLogger(c.logger),
		mcp.WithClientMetrics(c.metrics),
	}
	switch {
	case t.inProcess:
		return mcp.ConnectInProcess(ctx, c.newServer(), opts...)
	case t.url != "":
		return mcp.ConnectHTTP(ctx, t.url, opts...)
	}

	command, args := c.cfg.Server.Command, c.cfg.Server.Args
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		command, args = self, c.serveArgs()
	}
	c.logger.Debug("mcp.server.spawn", "command", command, "args", args)
	return mcp.Connect(ctx, command, args, opts...)
}

// serveArgs forwards the config selection to a spawned serve command.
func (c *cli) serveArgs() []string {
	var args []string
	if c.flags.ConfigPath != "" {
		args = append(args, "--config", c.flags.ConfigPath)
	}
	if c.flags.Profile != "" {
		args = append(args, "--profile", c.flags.Profile)
	}
	for _, o := range c.flags.Overrides {
		args = append(args, "--set", o)
	}
	args = append(args, "--log-level", c.cfg.Log.Level)
	return append(args, "serve")
}

func (c *cli) runTools(ctx context.Context, args []string) error {
	cmd := flag.NewFlagSet("tools", flag.ContinueOnError)
	cmd.SetOutput(c.stderr)
	var transport transportFlags
	transport.register(cmd, c.cfg.Server.URL)
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("tools", err.Error())
	}

	client, err := c.connect(ctx, transport)
	if err != nil {
		return err
	}
	defer client.Close()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		return c.printJSON(tools)
	}

	writer := c.newTabWriter()
	writeRow(writer, "NAME", "PARAMS", "DESCRIPTION")
	for _, tool := range tools {
		writeRow(writer, tool.Name, formatParams(tool.Schema), tool.Description)
	}
	return writer.Flush()
}

func formatParams(schema registry.Schema) string {
	parts := make([]string, 0, len(schema))
	for _, p := range schema {
		part := p.Name + ":" + string(p.Type)
		if p.Required {
			part += "*"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ",")
}
