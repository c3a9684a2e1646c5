package engine

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// handshakeConfig is the magic cookie go-plugin uses to confirm a
// spawned process is actually speaking the expected protocol — same
// shape as the teacher's pkg/plugins/grpc handshake, renamed to this
// runtime's custom-workflow contract.
var handshakeConfig = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AURITE_CUSTOM_WORKFLOW_PLUGIN",
	MagicCookieValue: "aurite",
}

// customWorkflowArgs is the net/rpc call payload. Only the initial input
// and session id cross the process boundary: an external plugin binary
// is an opaque executable (§4.6 "custom-workflow user code is out of
// scope"), so unlike an in-process CustomWorkflowFunc it does not
// receive a live engine facade — it can still recurse into the runtime
// indirectly by shelling out to `aurite run-agent` itself if it needs to.
type customWorkflowArgs struct {
	InitialInput string
	SessionID    string
}

// workflowRPCClient is the net/rpc stub the host process calls against.
type workflowRPCClient struct{ client *rpc.Client }

func (c *workflowRPCClient) Run(initialInput, sessionID string) (string, error) {
	var resp string
	err := c.client.Call("Plugin.Run", customWorkflowArgs{InitialInput: initialInput, SessionID: sessionID}, &resp)
	return resp, err
}

// WorkflowPlugin is the plugin.Plugin implementation registered on both
// sides of the handshake; only Client is used here since the host
// process never serves the plugin's role.
type WorkflowPlugin struct{}

func (WorkflowPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return nil, fmt.Errorf("engine: this process does not serve the custom workflow plugin role")
}

func (WorkflowPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &workflowRPCClient{client: c}, nil
}

// runPluginWorkflow loads entryPoint as an external go-plugin binary and
// invokes its Run RPC method, per §4.6's "custom workflow" EntryPoint
// naming an external binary rather than a registered in-process callable.
func runPluginWorkflow(ctx context.Context, entryPoint, initialInput string, facade Facade, sessionID string) (any, error) {
	logger := hclog.New(&hclog.LoggerOptions{Name: "aurite-custom-workflow", Level: hclog.Warn})

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  handshakeConfig,
		Plugins:          map[string]goplugin.Plugin{"workflow": &WorkflowPlugin{}},
		Cmd:              exec.CommandContext(ctx, entryPoint),
		Logger:           logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})
	defer client.Kill()

	rpcClient, err := client.Client()
	if err != nil {
		return nil, fmt.Errorf("connect to plugin %s: %w", entryPoint, err)
	}

	raw, err := rpcClient.Dispense("workflow")
	if err != nil {
		return nil, fmt.Errorf("dispense plugin %s: %w", entryPoint, err)
	}

	workflow, ok := raw.(*workflowRPCClient)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not implement the custom workflow contract", entryPoint)
	}

	return workflow.Run(initialInput, sessionID)
}
