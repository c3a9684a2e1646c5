package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/engine"
	"github.com/aurite-run/aurite/pkg/host"
	"github.com/aurite-run/aurite/pkg/metrics"
	"github.com/aurite-run/aurite/pkg/modelclient"
	"github.com/aurite-run/aurite/pkg/modelclient/anthropic"
	"github.com/aurite-run/aurite/pkg/modelclient/gemini"
	"github.com/aurite-run/aurite/pkg/modelclient/openai"
	"github.com/aurite-run/aurite/pkg/session"
)

// buildEngine wires a fresh Config Index, Tool-Server Host, Session
// Store, and the three provider adapter factories into an Engine,
// exactly the per-process wiring §4.6's control-flow overview describes.
func buildEngine(ctx context.Context, configDir string) (*engine.Engine, func(), error) {
	idx, err := config.NewIndex(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open config index: %w", err)
	}

	h := host.New(idx.Env())

	store, err := session.Open(cacheDirOrDefault())
	if err != nil {
		idx.Close()
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}

	e := engine.New(idx, h, store, modelClientFactories())
	e.Metrics = metrics.New(metrics.Config{Enabled: os.Getenv("AURITE_METRICS") == "1", Namespace: "aurite"})

	cleanup := func() {
		h.Shutdown(10 * time.Second)
		idx.Close()
		if closer, ok := store.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	return e, cleanup, nil
}

// modelClientFactories builds one ClientFactory per supported provider,
// each resolving its API key from the LLMConfig or the provider's usual
// environment variable when the config leaves it blank.
func modelClientFactories() map[string]engine.ClientFactory {
	return map[string]engine.ClientFactory{
		"anthropic": func(cfg *config.LLMConfig) (modelclient.Client, error) {
			return anthropic.New(anthropic.Config{
				APIKey: firstNonEmpty(cfg.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
				Model:  cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature, BaseURL: cfg.BaseURL,
			})
		},
		"openai": func(cfg *config.LLMConfig) (modelclient.Client, error) {
			return openai.New(openai.Config{
				APIKey: firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY")),
				Model:  cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature, BaseURL: cfg.BaseURL,
			})
		},
		"gemini": func(cfg *config.LLMConfig) (modelclient.Client, error) {
			return gemini.New(context.Background(), gemini.Config{
				APIKey: firstNonEmpty(cfg.APIKey, os.Getenv("GEMINI_API_KEY")),
				Model:  cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature,
			})
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RunAgentCmd runs a single agent to completion and prints its final message.
type RunAgentCmd struct {
	AgentID              string `arg:"" help:"Agent component id."`
	Message              string `arg:"" help:"User message."`
	SessionID            string `help:"Resume or seed a specific session id."`
	SystemPromptOverride string `name:"system-prompt" help:"Override the agent's system prompt for this call."`
}

func (c *RunAgentCmd) Run(cli *CLI) error {
	ctx := context.Background()
	e, cleanup, err := buildEngine(ctx, cli.ConfigDir)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := e.RunAgent(ctx, c.AgentID, c.Message, engine.Options{
		SessionID:    c.SessionID,
		SystemPrompt: c.SystemPromptOverride,
	})
	if err != nil {
		return err
	}

	fmt.Printf("session: %s\nstatus: %s\n\n", result.SessionID, result.Status)
	if result.FinalMessage != nil {
		fmt.Println(result.FinalMessage.Text())
	}
	if result.Err != nil {
		return result.Err
	}
	return nil
}

// StreamAgentCmd runs an agent and prints its normalized event stream as
// it arrives, one line per event (§4.6 stream_agent).
type StreamAgentCmd struct {
	AgentID   string `arg:"" help:"Agent component id."`
	Message   string `arg:"" help:"User message."`
	SessionID string `help:"Resume or seed a specific session id."`
}

func (c *StreamAgentCmd) Run(cli *CLI) error {
	ctx := context.Background()
	e, cleanup, err := buildEngine(ctx, cli.ConfigDir)
	if err != nil {
		return err
	}
	defer cleanup()

	stream, err := e.StreamAgent(ctx, c.AgentID, c.Message, engine.Options{SessionID: c.SessionID})
	if err != nil {
		return err
	}

	for ev := range stream.Events {
		switch ev.Type {
		case engine.EventSessionInfo:
			fmt.Printf("session_info session=%s\n", ev.SessionID)
		case engine.EventToolResult:
			fmt.Printf("tool_result tool_use_id=%s is_error=%v\n", ev.ToolUseID, ev.IsError)
		case engine.EventStreamEnd:
			fmt.Println("stream_end")
		default:
			fmt.Printf("%s %+v\n", ev.Type, ev.StreamEvent)
		}
	}
	return stream.Err()
}

// RunWorkflowCmd runs a linear workflow to completion.
type RunWorkflowCmd struct {
	WorkflowID string `arg:"" help:"Linear workflow component id."`
	Input      string `arg:"" help:"Initial input for step 1."`
}

func (c *RunWorkflowCmd) Run(cli *CLI) error {
	ctx := context.Background()
	e, cleanup, err := buildEngine(ctx, cli.ConfigDir)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := e.RunLinearWorkflow(ctx, c.WorkflowID, c.Input, engine.Options{})
	if err != nil {
		return err
	}

	fmt.Printf("session: %s\nstatus: %s\n\n", result.SessionID, result.Status)
	for _, step := range result.Steps {
		fmt.Printf("[%s] session=%s\n", step.ComponentID, step.SessionID)
		if step.Err != nil {
			fmt.Printf("  error: %v\n", step.Err)
			continue
		}
		if step.Result != nil && step.Result.FinalMessage != nil {
			fmt.Printf("  %s\n", step.Result.FinalMessage.Text())
		}
	}
	return nil
}

// SessionsCmd groups Session Store (C2) maintenance subcommands.
type SessionsCmd struct {
	List    SessionsListCmd    `cmd:"" help:"List sessions, most recently updated first."`
	Delete  SessionsDeleteCmd  `cmd:"" help:"Delete a session, cascading to child/parent links."`
	Cleanup SessionsCleanupCmd `cmd:"" help:"Run the retention sweep."`
}

// SessionsListCmd lists sessions (§4.2 list()).
type SessionsListCmd struct {
	Kind   string `help:"Filter by kind: agent or workflow."`
	Offset int    `help:"Skip this many results."`
	Limit  int    `help:"Return at most this many results (0 = unbounded)."`
}

func (c *SessionsListCmd) Run(cli *CLI) error {
	store, err := session.Open(cacheDirOrDefault())
	if err != nil {
		return err
	}

	sessions, err := store.List(session.ListFilter{Kind: session.Kind(c.Kind), Offset: c.Offset, Limit: c.Limit})
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s\t%s\t%s\tupdated=%s\n", s.ID, s.Kind, s.Name, s.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

// SessionsDeleteCmd deletes one session (§4.2 delete()).
type SessionsDeleteCmd struct {
	SessionID string `arg:"" help:"Session id to delete."`
}

func (c *SessionsDeleteCmd) Run(cli *CLI) error {
	store, err := session.Open(cacheDirOrDefault())
	if err != nil {
		return err
	}
	return store.Delete(c.SessionID)
}

// SessionsCleanupCmd runs the retention sweep (§4.2 cleanup()).
type SessionsCleanupCmd struct {
	MaxAgeDays  int `help:"Delete sessions last updated more than this many days ago (0 = no age limit)."`
	MaxSessions int `help:"Cap the total number of retained sessions, deleting the oldest beyond it (0 = no cap)."`
}

func (c *SessionsCleanupCmd) Run(cli *CLI) error {
	store, err := session.Open(cacheDirOrDefault())
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(time.Duration(c.MaxAgeDays)*24*time.Hour, c.MaxSessions)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d session(s)\n", removed)
	return nil
}

func cacheDirOrDefault() string {
	if dir := os.Getenv("CACHE_DIR"); dir != "" {
		return dir
	}
	return ".aurite/cache"
}

// ValidateCmd validates every component reachable from the Config Index.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	idx, err := config.NewIndex(cli.ConfigDir)
	if err != nil {
		return err
	}
	defer idx.Close()

	errs := idx.ValidateAll()
	if len(errs) == 0 {
		fmt.Println("all components valid")
		return nil
	}
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, e)
	}
	return fmt.Errorf("%d component(s) failed validation", len(errs))
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("aurite %s\n", version)
	return nil
}
