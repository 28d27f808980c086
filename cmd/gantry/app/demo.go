// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gantry-mcp/gantry/pkg/elicit"
	"github.com/gantry-mcp/gantry/pkg/prompts"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/resources"
	"github.com/gantry-mcp/gantry/pkg/scope"
	"github.com/gantry-mcp/gantry/pkg/skills"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

const demoGuide = `# Gantry demo app

Smoke-test tour:

1. ` + "`tools/call echo`" + ` with {"text": "hi"} bounces the text back.
2. ` + "`tools/call clock`" + ` reports the gateway time; results are cached
   for a second, so rapid calls return the same instant.
3. ` + "`tools/call confirm_action`" + ` elicits an ok/cancel answer from you
   before acknowledging.
4. Search skills for "fortune", load demo.fortune, then call the fortune
   tool: it only activates once the skill is loaded in your session.
`

var demoFortunes = []string{
	"A watched pipeline never deadlocks.",
	"The bug you seek is in the layer you trust.",
	"Retry budgets are kindness with a cap.",
	"Today a session expires; tomorrow a new one initializes.",
}

// demoScope builds a self-contained app for smoke-testing a fresh
// gateway: tools covering the common call shapes, a prompt, a couple of
// resources, and skills wired to the tools.
func demoScope() (*scope.Scope, error) {
	s := scope.New("demo")

	err := s.Tools().Register(
		&tools.Tool{
			Name:        "echo",
			Description: "Echo the text argument back",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string"}},
				"required": ["text"]
			}`),
			Annotations: tools.Annotations{Title: "Echo", ReadOnly: true, Idempotent: true},
			Execute: func(_ context.Context, inv *tools.Invocation) (any, error) {
				return map[string]any{"echo": inv.Input["text"]}, nil
			},
		},
		&tools.Tool{
			Name:        "clock",
			Description: "Report the gateway's current time in UTC",
			Annotations: tools.Annotations{Title: "Clock", ReadOnly: true},
			Cache:       &tools.CacheConfig{TTL: time.Second},
			Execute: func(context.Context, *tools.Invocation) (any, error) {
				return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
			},
		},
		&tools.Tool{
			Name:        "confirm_action",
			Description: "Ask the user to confirm an action before acknowledging it",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"action": {"type": "string"}},
				"required": ["action"]
			}`),
			Execute: func(ctx context.Context, inv *tools.Invocation) (any, error) {
				requester, err := provider.Resolve[elicit.Requester](ctx, inv.Views, elicit.RequesterToken)
				if err != nil {
					return nil, err
				}
				res, err := requester.RequestElicitation(ctx, elicit.Request{
					Message: fmt.Sprintf("Proceed with %q?", inv.Input["action"]),
					Schema: map[string]any{
						"type":       "object",
						"properties": map[string]any{"ok": map[string]any{"type": "boolean"}},
					},
				})
				if err != nil {
					return nil, err
				}
				confirmed := res.Action == elicit.ActionAccept
				if ok, found := res.Content["ok"].(bool); found {
					confirmed = confirmed && ok
				}
				return map[string]any{
					"action":    inv.Input["action"],
					"confirmed": confirmed,
				}, nil
			},
		},
		&tools.Tool{
			Name:          "fortune",
			Description:   "Tell a fortune; requires the demo.fortune skill",
			Annotations:   tools.Annotations{Title: "Fortune", ReadOnly: true},
			RequiredSkill: "demo.fortune",
			Execute: func(context.Context, *tools.Invocation) (any, error) {
				return map[string]any{"fortune": demoFortunes[rand.IntN(len(demoFortunes))]}, nil
			},
		},
	)
	if err != nil {
		return nil, err
	}

	err = s.Resources().Register(
		&resources.Resource{
			Name:        "guide",
			URI:         "gantry://demo/guide",
			Description: "How to drive the demo app",
			MIMEType:    "text/markdown",
			Read: func(_ context.Context, req *resources.ReadRequest) ([]mcp.ResourceContents, error) {
				return []mcp.ResourceContents{mcp.TextResourceContents{
					URI:      req.URI,
					MIMEType: "text/markdown",
					Text:     demoGuide,
				}}, nil
			},
		},
		&resources.Resource{
			Name:        "fortune-by-index",
			Template:    "gantry://demo/fortunes/{index}",
			Description: "One fortune from the demo corpus, by index",
			MIMEType:    "text/plain",
			Read: func(_ context.Context, req *resources.ReadRequest) ([]mcp.ResourceContents, error) {
				var i int
				if _, err := fmt.Sscanf(req.Vars["index"], "%d", &i); err != nil || i < 0 || i >= len(demoFortunes) {
					return nil, fmt.Errorf("no fortune at index %q", req.Vars["index"])
				}
				return []mcp.ResourceContents{mcp.TextResourceContents{
					URI:      req.URI,
					MIMEType: "text/plain",
					Text:     demoFortunes[i],
				}}, nil
			},
		},
	)
	if err != nil {
		return nil, err
	}

	err = s.Prompts().Register(&prompts.Prompt{
		Name:        "greet",
		Description: "Greet someone by name",
		Arguments: []prompts.Argument{
			{Name: "name", Description: "Who to greet", Required: true},
		},
		Render: func(_ context.Context, req *prompts.GetRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Description: "A friendly greeting",
				Messages: []mcp.PromptMessage{
					{
						Role:    mcp.RoleUser,
						Content: mcp.NewTextContent(fmt.Sprintf("Say hello to %s.", req.Arguments["name"])),
					},
				},
			}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// demoSkills returns the index entries for the demo tools.
func demoSkills() []*skills.Skill {
	return []*skills.Skill{
		{
			ID:           "demo.echo",
			Name:         "Echo text",
			Description:  "Bounce text off the gateway to verify the round trip",
			Instructions: "Call the echo tool with a text argument and compare the reply.",
			Tags:         []string{"demo"},
			Tools:        []string{"echo"},
		},
		{
			ID:           "demo.confirm",
			Name:         "Confirmed actions",
			Description:  "Run an action behind a user confirmation",
			Instructions: "Call confirm_action with the action name; the gateway elicits an ok answer before acknowledging.",
			Tags:         []string{"demo", "elicitation"},
			Tools:        []string{"confirm_action"},
		},
		{
			ID:           "demo.fortune",
			Name:         "Fortune telling",
			Description:  "Unlock the fortune tool for this session",
			Instructions: "Load this skill, then call the fortune tool. The tool stays inactive in sessions that never loaded the skill.",
			Tags:         []string{"demo"},
			Tools:        []string{"fortune"},
		},
	}
}
