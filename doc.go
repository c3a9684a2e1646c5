// Package aurite provides a declarative, config-driven LLM agent runtime.
//
// Aurite lets you define agents, tool servers, and workflows as YAML
// components discovered from .aurite-anchored directories, then run them
// over the Model Context Protocol without writing glue code for the
// turn loop, tool dispatch, or session history.
//
// # Quick Start
//
// Install aurite:
//
//	go install github.com/aurite-run/aurite/cmd/aurite@latest
//
// Create an anchor file and a component document beside it:
//
//	# .aurite
//	aurite:
//	  type: project
//
//	# config/assistant.aurite.yaml
//	- kind: llm
//	  name: gpt-4o
//	  provider: openai
//	  model: gpt-4o-mini
//	- kind: agent
//	  name: assistant
//	  llm_config_id: gpt-4o
//	  overrides:
//	    system_prompt: "You are a helpful assistant"
//
// The OpenAI adapter reads its key from OPENAI_API_KEY when the llm
// component sets no api_key.
//
// Run it:
//
//	aurite run-agent assistant "what's the weather in Lisbon?"
//
// # Using as a Go library
//
// Import the packages directly:
//
//	import (
//	    "github.com/aurite-run/aurite/pkg/config"
//	    "github.com/aurite-run/aurite/pkg/engine"
//	    "github.com/aurite-run/aurite/pkg/host"
//	    "github.com/aurite-run/aurite/pkg/session"
//	)
//
// # Architecture
//
// Six components compose the runtime:
//
//	Config Index -> Tool-Server Host -> Model Client
//	                      |                  |
//	                 Agent Turn-Loop <- Execution Engine -> Session Store
//
// The Config Index discovers and hot-reloads YAML components; the
// Tool-Server Host manages MCP server connections; the Model Client
// adapts Anthropic, OpenAI, and Gemini to one interface; the Agent
// Turn-Loop runs one agent to completion over its tools; the Execution
// Engine composes agents into linear and custom workflows and persists
// every run to the Session Store.
//
// # Alpha status
//
// Aurite is under active development; APIs may still change.
//
// # License
//
// Apache-2.0 - see LICENSE for details.
package aurite
