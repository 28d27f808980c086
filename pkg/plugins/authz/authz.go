// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz gates tool calls behind Cedar policies. The plugin binds a
// will-execute hook on the call flow: the authenticated principal, the
// qualified tool id and the call arguments form the Cedar request, and
// anything the policy set does not permit fails closed with a 403.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/plugins"
	"github.com/gantry-mcp/gantry/pkg/reqctx"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// PluginName is the name the plugin registers under.
const PluginName = "authz"

const (
	principalType = cedar.EntityType("Client")
	actionType    = cedar.EntityType("Action")
	resourceType  = cedar.EntityType("Tool")

	actionCallTool = "call_tool"
)

// Config configures the Cedar authorization plugin. Policies come from
// inline documents, a policy file, or both; evaluation is default-deny.
type Config struct {
	// Policies are inline Cedar policy documents, one policy each.
	Policies []string `json:"policies" yaml:"policies"`

	// PolicyFile points at a .cedar file holding any number of policies.
	PolicyFile string `json:"policyFile" yaml:"policyFile"`

	// EntitiesJSON is an optional Cedar entity store in JSON form, for
	// policies that reference entity attributes or hierarchies.
	EntitiesJSON string `json:"entitiesJson" yaml:"entitiesJson"`
}

// New builds the authorization plugin from cfg. At least one policy
// source is required.
func New(cfg Config) (*plugins.Plugin, error) {
	a, err := newAuthorizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("authz: %w", err)
	}
	return &plugins.Plugin{
		Name: PluginName,
		Hooks: []flow.Hook{{
			Flow:  tools.CallFlowName,
			Stage: tools.StageExecute,
			Kind:  flow.HookWill,
			// Runs ahead of other will-execute hooks so denied calls
			// never reach approval or caching.
			Priority: 100,
			Func:     a.gate,
		}},
	}, nil
}

type authorizer struct {
	policies *cedar.PolicySet
	entities cedar.EntityMap
}

func newAuthorizer(cfg Config) (*authorizer, error) {
	if len(cfg.Policies) == 0 && cfg.PolicyFile == "" {
		return nil, fmt.Errorf("no policies configured")
	}

	set := cedar.NewPolicySet()
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		set, err = cedar.NewPolicySetFromBytes(filepath.Base(cfg.PolicyFile), data)
		if err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", cfg.PolicyFile, err)
		}
	}
	for i, text := range cfg.Policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(text)); err != nil {
			return nil, fmt.Errorf("parse policy %d: %w", i, err)
		}
		set.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}

	a := &authorizer{policies: set, entities: cedar.EntityMap{}}
	if cfg.EntitiesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.EntitiesJSON), &a.entities); err != nil {
			return nil, fmt.Errorf("parse entities JSON: %w", err)
		}
	}
	return a, nil
}

// gate is the will-execute hook. Evaluation failures deny: a broken
// policy must not open the gate.
func (a *authorizer) gate(ctx context.Context, fc *flow.Ctx) error {
	inv, ok := tools.InvocationFrom(fc)
	if !ok {
		return nil
	}
	if inv.Principal.Anonymous() {
		return core.NewToolNotAllowedError(inv.ToolID, "no authenticated principal")
	}

	allowed, err := a.authorize(inv)
	if err != nil {
		reqctx.Logger(ctx).Warnw("policy evaluation failed",
			"tool", inv.ToolID, "principal", inv.Principal.Subject, "error", err)
		return core.NewToolNotAllowedError(inv.ToolID, "authorization check failed")
	}
	if !allowed {
		return core.NewToolNotAllowedError(inv.ToolID, "denied by policy")
	}
	return nil
}

func (a *authorizer) authorize(inv *tools.Invocation) (bool, error) {
	principal := cedar.NewEntityUID(principalType, cedar.String(inv.Principal.Subject))
	action := cedar.NewEntityUID(actionType, cedar.String(actionCallTool))
	resource := cedar.NewEntityUID(resourceType, cedar.String(inv.ToolID))

	claims := claimContext(inv.Principal)
	args := argumentContext(inv.Input)

	entities := make(cedar.EntityMap, len(a.entities)+3)
	for uid, entity := range a.entities {
		entities[uid] = entity
	}
	entities[principal] = newEntity(principal, claims)
	entities[action] = newEntity(action, map[string]any{"operation": actionCallTool})
	entities[resource] = newEntity(resource, map[string]any{
		"name":      inv.ToolID,
		"operation": "call",
		"feature":   "tool",
	})

	req := cedar.Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Context:   cedarRecord(merged(claims, args)),
	}
	decision, diagnostic := cedar.Authorize(a.policies, entities, req)
	if len(diagnostic.Errors) > 0 {
		return false, fmt.Errorf("evaluate policies: %v", diagnostic.Errors)
	}
	return decision == cedar.Allow, nil
}

func newEntity(uid cedar.EntityUID, attributes map[string]any) cedar.Entity {
	return cedar.Entity{
		UID:        uid,
		Parents:    cedar.NewEntityUIDSet(),
		Attributes: cedarRecord(attributes),
		Tags:       cedar.NewRecord(cedar.RecordMap{}),
	}
}

// claimContext flattens the principal into claim_-prefixed context keys so
// policies can condition on identity without a schema.
func claimContext(p *core.Principal) map[string]any {
	out := map[string]any{"claim_sub": p.Subject}
	if p.Name != "" {
		out["claim_name"] = p.Name
	}
	if p.Email != "" {
		out["claim_email"] = p.Email
	}
	if len(p.Groups) > 0 {
		out["claim_groups"] = p.Groups
	}
	for k, v := range p.Claims {
		out["claim_"+k] = v
	}
	return out
}

// argumentContext exposes primitive call arguments as arg_-prefixed keys.
// Composite values only record their presence; Cedar conditions should not
// dig into nested payloads.
func argumentContext(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch v.(type) {
		case string, bool, int, int64, float64:
			out["arg_"+k] = v
		default:
			out["arg_"+k+"_present"] = true
		}
	}
	return out
}

func merged(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func cedarRecord(data map[string]any) cedar.Record {
	rm := make(cedar.RecordMap, len(data))
	for k, v := range data {
		if value := cedarValue(v); value != nil {
			rm[cedar.String(k)] = value
		}
	}
	return cedar.NewRecord(rm)
}

// cedarValue maps a Go value onto the Cedar type system. Unsupported
// types drop out of the record rather than failing the request.
func cedarValue(v any) cedar.Value {
	switch val := v.(type) {
	case bool:
		if val {
			return cedar.True
		}
		return cedar.False
	case string:
		return cedar.String(val)
	case int:
		return cedar.Long(val)
	case int64:
		return cedar.Long(val)
	case float64:
		// JSON numbers arrive as float64; whole values compare as longs
		// in policies, everything else as decimals.
		if val == float64(int64(val)) {
			return cedar.Long(int64(val))
		}
		decimal, err := cedar.NewDecimalFromFloat(val)
		if err != nil {
			return nil
		}
		return decimal
	case []string:
		values := make([]cedar.Value, 0, len(val))
		for _, item := range val {
			values = append(values, cedar.String(item))
		}
		return cedar.NewSet(values...)
	case []any:
		values := make([]cedar.Value, 0, len(val))
		for _, item := range val {
			if cv := cedarValue(item); cv != nil {
				values = append(values, cv)
			}
		}
		return cedar.NewSet(values...)
	default:
		return nil
	}
}
