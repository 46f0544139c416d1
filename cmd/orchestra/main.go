// Command orchestra serves the multi-agent workflow orchestrator over MCP.
//
// Usage:
//
//	orchestra serve --agents-file agents.yaml --metrics-addr :9464
//	orchestra templates
//	orchestra version
package main

import (
	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface. Flags left unset keep the value
// from settings.json, the .env files or the environment.
type CLI struct {
	Serve     ServeCmd     `cmd:"" help:"Run the orchestrator MCP server on stdio."`
	Templates TemplatesCmd `cmd:"" help:"List built-in and directory workflow templates."`
	Version   VersionCmd   `cmd:"" help:"Show version information."`

	DBPath        string `name:"db-path" help:"Database path (default: ~/.orchestra/orchestra.db)." type:"path"`
	LogLevel      string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	LogFormat     string `name:"log-format" help:"Log format (text, json)."`
	TemplatesDir  string `name:"templates-dir" help:"Directory of extra workflow templates." type:"path"`
	MaxConcurrent int    `name:"max-concurrent" help:"Maximum concurrent workflow executions."`
}

// config loads the layered configuration and applies the flags on top.
func (c *CLI) config() (Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	if c.DBPath != "" {
		cfg.DBPath = c.DBPath
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.LogFormat = c.LogFormat
	}
	if c.TemplatesDir != "" {
		cfg.TemplatesDir = c.TemplatesDir
	}
	if c.MaxConcurrent > 0 {
		cfg.MaxConcurrent = c.MaxConcurrent
	}
	return cfg, cfg.validate()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("orchestra"),
		kong.Description("Multi-agent workflow orchestrator"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
