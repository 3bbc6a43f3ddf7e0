package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"desknerd://about",
			"DeskNERD About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("High-level server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"desknerd://policy",
			"Policy Rules",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("The loaded policy rules in evaluation order, plus the default verdict."),
		),
		s.handlePolicyResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"desknerd://actions",
			"Action Catalog",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Every action kind with its parameters, and the channel priority order."),
		),
		s.handleActionsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"desknerd://target/{name}/outcomes{?limit}",
			"Target Outcomes",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent action outcomes for one target, newest first."),
		),
		s.handleTargetOutcomesResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return s.jsonResource(request.Params.URI, s.aboutPayload())
}

func (s *Server) handlePolicyResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return s.jsonResource(request.Params.URI, s.policyPayload())
}

func (s *Server) handleActionsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return s.jsonResource(request.Params.URI, s.actionsPayload())
}

func (s *Server) handleTargetOutcomesResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name := argString(request.Params.Arguments["name"])
	if name == "" {
		return nil, fmt.Errorf("missing target name")
	}
	limit := resourceLimit(request.Params.Arguments["limit"], 25)
	if limit > 500 {
		limit = 500
	}
	return s.jsonResource(request.Params.URI, s.targetOutcomesPayload(name, limit))
}

func (s *Server) aboutPayload() map[string]interface{} {
	return map[string]interface{}{
		"name":     s.cfg.Server.Name,
		"version":  s.cfg.Server.Version,
		"channels": s.engine.Channels(),
		"notes": []string{
			"Resources are read-only context endpoints; use tools for actions/mutations.",
			"dispatch-action is the primary tool; list-targets and resolve-target answer naming questions first.",
			"Every action is policy-gated; check-policy previews a verdict without dispatching.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
}

func (s *Server) policyPayload() map[string]interface{} {
	rules := s.gate.Rules()
	entries := make([]map[string]interface{}, 0, len(rules))
	for i, rule := range rules {
		entries = append(entries, map[string]interface{}{
			"index":   i,
			"name":    rule.Name,
			"targets": rule.Targets,
			"kinds":   rule.Kinds,
			"params":  rule.Params,
			"verdict": rule.Verdict,
		})
	}
	return map[string]interface{}{
		"count":   len(entries),
		"rules":   entries,
		"default": "deny",
	}
}

func (s *Server) actionsPayload() map[string]interface{} {
	return map[string]interface{}{
		"channels": s.engine.Channels(),
		"kinds": []map[string]string{
			{"kind": "activate", "params": "launch (optional bool): launch if not running"},
			{"kind": "keystroke", "params": "key (string), modifiers (optional array: cmd, shift, option, ctrl)"},
			{"kind": "menu-select", "params": "path (array of menu titles, outermost first)"},
			{"kind": "type-text", "params": "text (string)"},
			{"kind": "click-at", "params": "x, y (ints), button (optional: left, right)"},
			{"kind": "click-element", "params": "label (string), role (optional accessibility role)"},
			{"kind": "drag", "params": "from_x, from_y, to_x, to_y (ints)"},
			{"kind": "gesture", "params": "points (array of [x, y]), mode (optional: press, hover)"},
			{"kind": "run-command", "params": "command (string, scripted channel only)"},
		},
	}
}

func (s *Server) targetOutcomesPayload(name string, limit int) map[string]interface{} {
	outcomes := s.recorder.Recent(limit, name)
	return map[string]interface{}{
		"target":   name,
		"count":    len(outcomes),
		"limit":    limit,
		"outcomes": outcomes,
	}
}

func (s *Server) jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

// resourceLimit reads a numeric template argument; URI template
// expansion may hand it over as a string.
func resourceLimit(v any, fallback int) int {
	if n, ok := asInt(v); ok && n > 0 {
		return n
	}
	if raw := argString(v); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
