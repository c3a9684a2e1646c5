// Command aurite is the CLI entry point for the runtime: it wires the
// Config Index, Tool-Server Host, Session Store and Execution Engine
// together and exposes run-agent / run-workflow / validate
// subcommands, mirroring the teacher's cmd/hector/main.go shape.
//
// Usage:
//
//	aurite run-agent weather_agent "what's the forecast?"
//	aurite stream-agent weather_agent "what's the forecast?"
//	aurite run-workflow research_pipeline "quantum computing"
//	aurite validate
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/aurite-run/aurite/pkg/logging"
)

// CLI defines the aurite command-line interface.
type CLI struct {
	RunAgent    RunAgentCmd    `cmd:"" name:"run-agent" help:"Run an agent with a user message."`
	StreamAgent StreamAgentCmd `cmd:"" name:"stream-agent" help:"Run an agent, printing its event stream as it arrives."`
	RunWorkflow RunWorkflowCmd `cmd:"" name:"run-workflow" help:"Run a linear workflow with an initial input."`
	Sessions    SessionsCmd    `cmd:"" help:"Inspect and maintain the Session Store."`
	Validate    ValidateCmd    `cmd:"" help:"Validate every component in the Config Index."`
	Version     VersionCmd     `cmd:"" help:"Show version information."`

	ConfigDir string `short:"d" help:"Starting directory for .aurite anchor discovery." type:"path" default:"."`
}

func main() {
	_ = godotenv.Load()
	logging.Init()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("aurite"),
		kong.Description("Aurite Runtime - executes LLM agents and workflows over MCP tool servers."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
