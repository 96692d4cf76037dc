package api

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/browsergrid/browsergrid/internal/core"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Tool is one in-process callable for agent embedding. Args arrive as a
// decoded JSON object; the return value is JSON-serializable.
type Tool struct {
	Name        string
	Description string
	Params      []core.Param
	Invoke      func(ctx context.Context, principal types.Principal, args map[string]any) (any, error)
}

// ToolRegistry is the in-process frontend: the action catalog plus
// session/context management exposed as named tools.
type ToolRegistry struct {
	svc   *core.Service
	tools map[string]Tool
}

// NewToolRegistry builds one tool per catalog action plus the management
// and discovery tools.
func NewToolRegistry(svc *core.Service) *ToolRegistry {
	t := &ToolRegistry{svc: svc, tools: make(map[string]Tool)}

	for _, desc := range svc.Catalog().Actions {
		t.registerAction(desc)
	}
	t.registerManagement()
	return t
}

// Tools lists the registered tools sorted by name.
func (t *ToolRegistry) Tools() []Tool {
	out := make([]Tool, 0, len(t.tools))
	for _, tool := range t.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs one tool by name.
func (t *ToolRegistry) Invoke(ctx context.Context, principal types.Principal, name string, args map[string]any) (any, error) {
	tool, ok := t.tools[name]
	if !ok {
		return nil, types.Ef(types.KindInvalidArgument, "toolcall.Invoke", "unknown tool %q", name)
	}
	return tool.Invoke(ctx, principal, args)
}

func (t *ToolRegistry) register(tool Tool) {
	t.tools[tool.Name] = tool
}

// decodeArgs round-trips the arg map through JSON into a typed struct so
// tools share the wire field names with the HTTP frontend.
func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return types.E(types.KindInvalidArgument, "toolcall.decodeArgs", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return types.E(types.KindInvalidArgument, "toolcall.decodeArgs", err)
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", types.Ef(types.KindInvalidArgument, "toolcall", "%s is required", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", types.Ef(types.KindInvalidArgument, "toolcall", "%s must be a non-empty string", key)
	}
	return s, nil
}

// registerAction exposes one catalog action as browser_<type>. The args
// are the action's own parameters plus contextId (and optional pageId).
func (t *ToolRegistry) registerAction(desc core.ActionDescriptor) {
	actionType := desc.Name
	params := append([]core.Param{
		{Name: "contextId", Type: "string", Required: true, Description: "target context"},
		{Name: "pageId", Type: "string", Description: "target page; defaults to the most recently used"},
	}, desc.Params...)

	t.register(Tool{
		Name:        "browser_" + string(actionType),
		Description: desc.Description,
		Params:      params,
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			contextID, err := stringArg(args, "contextId")
			if err != nil {
				return nil, err
			}
			var action types.Action
			if err := decodeArgs(args, &action); err != nil {
				return nil, err
			}
			action.Type = actionType
			return t.svc.Execute(ctx, principal, contextID, &action)
		},
	})
}

func (t *ToolRegistry) registerManagement() {
	t.register(Tool{
		Name:        "create_session",
		Description: "Create a session to hold browser contexts.",
		Params: []core.Param{
			{Name: "ttlMs", Type: "int", Description: "session lifetime in milliseconds"},
			{Name: "metadata", Type: "object"},
		},
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			var req struct {
				TTLMs    int64             `json:"ttlMs"`
				Metadata map[string]string `json:"metadata"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return t.svc.CreateSession(principal, time.Duration(req.TTLMs)*time.Millisecond, req.Metadata)
		},
	})

	t.register(Tool{
		Name:        "delete_session",
		Description: "Delete a session and everything under it.",
		Params:      []core.Param{{Name: "sessionId", Type: "string", Required: true}},
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			id, err := stringArg(args, "sessionId")
			if err != nil {
				return nil, err
			}
			return nil, t.svc.DeleteSession(principal, id)
		},
	})

	t.register(Tool{
		Name:        "create_context",
		Description: "Create a browser context inside a session.",
		Params: []core.Param{
			{Name: "sessionId", Type: "string", Required: true},
			{Name: "config", Type: "object", Description: "viewport, userAgent, proxyPolicy, incognito, stealth"},
		},
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			sessionID, err := stringArg(args, "sessionId")
			if err != nil {
				return nil, err
			}
			var req struct {
				Config types.ContextConfig `json:"config"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return t.svc.CreateContext(principal, sessionID, req.Config)
		},
	})

	t.register(Tool{
		Name:        "close_context",
		Description: "Close a context, releasing its browser and proxy.",
		Params:      []core.Param{{Name: "contextId", Type: "string", Required: true}},
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			id, err := stringArg(args, "contextId")
			if err != nil {
				return nil, err
			}
			return nil, t.svc.CloseContext(principal, id)
		},
	})

	t.register(Tool{
		Name:        "execute_batch",
		Description: "Run a bounded batch of actions against a context.",
		Params: []core.Param{
			{Name: "contextId", Type: "string", Required: true},
			{Name: "actions", Type: "array", Required: true},
			{Name: "stopOnError", Type: "bool"},
			{Name: "parallel", Type: "int"},
		},
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			contextID, err := stringArg(args, "contextId")
			if err != nil {
				return nil, err
			}
			var req struct {
				Actions     []types.Action `json:"actions"`
				StopOnError *bool          `json:"stopOnError"`
				Parallel    int            `json:"parallel"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			opts := executor.BatchOptions{StopOnError: true, Parallel: req.Parallel}
			if req.StopOnError != nil {
				opts.StopOnError = *req.StopOnError
			}
			return t.svc.ExecuteBatch(ctx, principal, contextID, req.Actions, opts)
		},
	})

	t.register(Tool{
		Name:        "action_history",
		Description: "Return a context's recent action records, newest first.",
		Params: []core.Param{
			{Name: "contextId", Type: "string", Required: true},
			{Name: "limit", Type: "int"},
		},
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			contextID, err := stringArg(args, "contextId")
			if err != nil {
				return nil, err
			}
			limit := 0
			if raw, ok := args["limit"].(float64); ok {
				limit = int(raw)
			}
			return t.svc.ActionHistory(principal, contextID, limit)
		},
	})

	t.register(Tool{
		Name:        "list_sessions",
		Description: "List the sessions visible to the caller.",
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			return t.svc.ListSessions(principal, registry.ListFilter{})
		},
	})

	t.register(Tool{
		Name:        "service_health",
		Description: "Report overall and per-component service health.",
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			return t.svc.Health(), nil
		},
	})

	t.register(Tool{
		Name:        "service_catalog",
		Description: "Describe the supported actions and enabled frontends.",
		Invoke: func(ctx context.Context, principal types.Principal, args map[string]any) (any, error) {
			return t.svc.Catalog(), nil
		},
	})
}
