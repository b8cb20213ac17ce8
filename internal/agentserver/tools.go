// Package agentserver exposes the lifecycle operations as MCP tools over a
// streamable HTTP endpoint, alongside health and metrics routes.
package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/edvin/agentvm/internal/model"
	"github.com/edvin/agentvm/internal/orchestrator"
)

// toolError is the structured error payload returned to the agent. Guard
// denials carry a machine-readable reason so the caller can react (confirm,
// fund, retry) instead of parsing prose.
type toolError struct {
	Error          string   `json:"error"`
	Reason         string   `json:"reason,omitempty"`
	Detail         string   `json:"detail,omitempty"`
	StepsRemaining []string `json:"steps_remaining,omitempty"`
}

func buildTools(svc *orchestrator.Service, logger zerolog.Logger) []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("check_balance",
				mcp.WithDescription("Check the payer's credit balance, current burn rate across active instances, and projected runway in hours."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithString("payer",
					mcp.Description("Payer address to check, or \"delegated\" for the configured human payer. Defaults to the configured payer."),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				out, err := svc.CheckBalance(ctx, argString(args, "payer"))
				return render(logger, "check_balance", out, err)
			},
		},
		{
			Tool: mcp.NewTool("list_nodes",
				mcp.WithDescription("List active compute resource nodes, best-scored first. Optionally filter by minimum compute units or GPU support."),
				mcp.WithReadOnlyHintAnnotation(true),
				mcp.WithNumber("min_compute_units",
					mcp.Description("Only nodes able to host at least this tier. Valid tiers: 1, 2, 3, 4, 6, 8, 12."),
				),
				mcp.WithBoolean("gpu",
					mcp.Description("Only nodes advertising GPU support."),
				),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				out, err := svc.ListNodes(ctx, model.NodeFilters{
					MinComputeUnits: int(argFloat(args, "min_compute_units")),
					GPU:             argBool(args, "gpu"),
				})
				return render(logger, "list_nodes", out, err)
			},
		},
		{
			Tool: mcp.NewTool("create_resource",
				mcp.WithDescription("Provision an ephemeral compute instance. The request is priced and checked against the safety policy first; costs above the confirmation threshold return requires_confirmation and must be resubmitted with confirmed=true and the returned idempotency_key."),
				mcp.WithDestructiveHintAnnotation(false),
				mcp.WithString("name", mcp.Description("Instance name. Generated when omitted.")),
				mcp.WithString("node_hash", mcp.Description("Target node hash. The best-scored active node is picked when omitted.")),
				mcp.WithNumber("compute_units", mcp.Description("Size tier (1, 2, 3, 4, 6, 8 or 12). Defaults to 1.")),
				mcp.WithNumber("ttl_hours", mcp.Description("Lifetime in hours before the instance is considered expired.")),
				mcp.WithString("os_image", mcp.Description("OS image: ubuntu22, ubuntu24 or debian12.")),
				mcp.WithString("purpose", mcp.Description("Free-form note on what this instance is for.")),
				mcp.WithString("payer", mcp.Description("Payer address or \"delegated\".")),
				mcp.WithBoolean("dry_run", mcp.Description("Price and policy-check only; nothing is provisioned.")),
				mcp.WithBoolean("confirmed", mcp.Description("Set true when resubmitting a create that required confirmation.")),
				mcp.WithString("idempotency_key", mcp.Description("Key linking a confirmation resubmission to its original request.")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				out, err := svc.CreateResource(ctx, orchestrator.CreateRequest{
					Name:           argString(args, "name"),
					NodeHash:       argString(args, "node_hash"),
					ComputeUnits:   int(argFloat(args, "compute_units")),
					TTLHours:       argFloat(args, "ttl_hours"),
					OSImage:        argString(args, "os_image"),
					Purpose:        argString(args, "purpose"),
					PayerHint:      argString(args, "payer"),
					DryRun:         argBool(args, "dry_run"),
					Confirmed:      argBool(args, "confirmed"),
					IdempotencyKey: argString(args, "idempotency_key"),
				})
				return render(logger, "create_resource", out, err)
			},
		},
		{
			Tool: mcp.NewTool("destroy_resource",
				mcp.WithDescription("Tear down an instance: erase it on the node, release its ports, and retract its record. Resumable: a repeated call continues from the first incomplete step, and destroying an already-terminated instance is a no-op."),
				mcp.WithDestructiveHintAnnotation(true),
				mcp.WithIdempotentHintAnnotation(true),
				mcp.WithString("id", mcp.Required(), mcp.Description("Instance ID to destroy.")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				id := argString(args, "id")
				if id == "" {
					return mcp.NewToolResultError("missing required parameter: id"), nil
				}
				out, err := svc.DestroyResource(ctx, id)
				return render(logger, "destroy_resource", out, err)
			},
		},
		{
			Tool: mcp.NewTool("list_my_resources",
				mcp.WithDescription("List instances in the local inventory after reconciling against the network. Instances found on the network with no local record are flagged as orphans."),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				out, err := svc.ListResources(ctx)
				return render(logger, "list_my_resources", out, err)
			},
		},
		{
			Tool: mcp.NewTool("extend_resource",
				mcp.WithDescription("Extend a healthy instance's lifetime. The additional cost is checked against the safety policy before the expiry moves."),
				mcp.WithString("id", mcp.Required(), mcp.Description("Instance ID to extend.")),
				mcp.WithNumber("additional_hours", mcp.Required(), mcp.Description("Hours to add to the current expiry.")),
				mcp.WithString("payer", mcp.Description("Payer address or \"delegated\".")),
			),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				id := argString(args, "id")
				if id == "" {
					return mcp.NewToolResultError("missing required parameter: id"), nil
				}
				hours := argFloat(args, "additional_hours")
				out, err := svc.ExtendResource(ctx, id, hours, argString(args, "payer"))
				return render(logger, "extend_resource", out, err)
			},
		},
	}
}

// render converts an orchestrator result or error into a tool result.
// Orchestrator errors come back as error results, not protocol errors, so
// the agent sees them and can adjust.
func render(logger zerolog.Logger, tool string, out any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		logger.Warn().Err(err).Str("tool", tool).Msg("tool call failed")
		return mcp.NewToolResultError(errorBody(err)), nil
	}
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %s", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func errorBody(err error) string {
	payload := toolError{Error: err.Error()}

	var dErr *orchestrator.DeniedError
	var pErr *orchestrator.PartialTeardownError
	switch {
	case errors.As(err, &dErr):
		payload = toolError{
			Error:  "denied",
			Reason: dErr.Decision.Reason,
			Detail: dErr.Decision.Detail,
		}
	case errors.As(err, &pErr):
		payload = toolError{
			Error:          "partial_teardown",
			Detail:         pErr.Error(),
			StepsRemaining: pErr.Remaining,
		}
	case errors.Is(err, orchestrator.ErrNotFound):
		payload = toolError{Error: "not_found", Detail: err.Error()}
	}

	body, jerr := json.Marshal(payload)
	if jerr != nil {
		return err.Error()
	}
	return string(body)
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argFloat(args map[string]any, key string) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}
