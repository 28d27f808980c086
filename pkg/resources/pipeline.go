// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
)

// Flow names served by the pipeline.
const (
	ReadFlowName          = "resources:read-resource"
	ListFlowName          = "resources:list-resources"
	ListTemplatesFlowName = "resources:list-templates"
	SubscribeFlowName     = "resources:subscribe"
	UnsubscribeFlowName   = "resources:unsubscribe"
)

// Stages of the read flow.
const (
	StageResolve = "resolve"
	StageRead    = "read"
)

// State keys the pipeline shares with hooks.
const (
	resourceStateKey = "resources.record"
	requestStateKey  = "resources.readRequest"
)

// ReadRequestFrom returns the read request the pipeline stored in the flow
// state.
func ReadRequestFrom(fc *flow.Ctx) (*ReadRequest, bool) {
	req, ok := fc.State[requestStateKey].(*ReadRequest)
	return req, ok
}

// Finder lists resources for the pipeline. *Registry satisfies it; scopes
// wrap it with parent fallback.
type Finder interface {
	List() []*Resource
}

// Pipeline builds the resource flows over a finder and a subscription set.
type Pipeline struct {
	finder Finder
	subs   Subscriptions
}

// NewPipeline returns a pipeline over finder. A nil subs falls back to an
// in-memory set.
func NewPipeline(finder Finder, subs Subscriptions) *Pipeline {
	if subs == nil {
		subs = NewMemorySubscriptions()
	}
	return &Pipeline{finder: finder, subs: subs}
}

// Subscriptions exposes the subscription set for update fan-out and
// session teardown.
func (p *Pipeline) Subscriptions() Subscriptions { return p.subs }

// Resolve finds the record serving uri: exact URIs win over templates,
// registration order breaks ties.
func (p *Pipeline) Resolve(uri string) (*Resource, map[string]string, bool) {
	var tmpl *Resource
	var tmplVars map[string]string
	for _, r := range p.finder.List() {
		vars, ok := r.Match(uri)
		if !ok {
			continue
		}
		if !r.IsTemplate() {
			return r, nil, true
		}
		if tmpl == nil {
			tmpl = r
			tmplVars = vars
		}
	}
	if tmpl != nil {
		return tmpl, tmplVars, true
	}
	return nil, nil, false
}

// ReadFlow returns the resources/read flow.
func (p *Pipeline) ReadFlow() *flow.Flow {
	return &flow.Flow{
		Name:    ReadFlowName,
		RunPlan: []string{StageResolve, StageRead, flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			StageResolve: p.resolve,
			StageRead:    p.read,
		},
	}
}

// ListFlow returns the resources/list flow.
func (p *Pipeline) ListFlow() *flow.Flow {
	return &flow.Flow{
		Name:    ListFlowName,
		RunPlan: []string{"collect", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"collect": p.collectResources},
	}
}

// ListTemplatesFlow returns the resources/templates/list flow.
func (p *Pipeline) ListTemplatesFlow() *flow.Flow {
	return &flow.Flow{
		Name:    ListTemplatesFlowName,
		RunPlan: []string{"collect", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"collect": p.collectTemplates},
	}
}

// SubscribeFlow returns the resources/subscribe flow. Subscribing to a URI
// nothing serves is rejected; subscribing twice is a no-op.
func (p *Pipeline) SubscribeFlow() *flow.Flow {
	return &flow.Flow{
		Name:    SubscribeFlowName,
		RunPlan: []string{"subscribe", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"subscribe": p.subscribe},
	}
}

// UnsubscribeFlow returns the resources/unsubscribe flow. Unsubscribing
// from a URI the session never followed is a no-op.
func (p *Pipeline) UnsubscribeFlow() *flow.Flow {
	return &flow.Flow{
		Name:    UnsubscribeFlowName,
		RunPlan: []string{"unsubscribe", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"unsubscribe": p.unsubscribe},
	}
}

func (p *Pipeline) resolve(_ context.Context, fc *flow.Ctx) error {
	uri, err := uriParam(fc.Input)
	if err != nil {
		return err
	}
	rec, vars, ok := p.Resolve(uri)
	if !ok {
		return core.NewInvalidInputError(fmt.Sprintf("unknown resource: %s", uri), nil)
	}
	fc.State[resourceStateKey] = rec
	fc.State[requestStateKey] = &ReadRequest{
		URI:       uri,
		Vars:      vars,
		SessionID: fc.SessionID,
		RequestID: fc.RequestID,
		Principal: fc.Principal,
		Views:     fc.Views,
	}
	return nil
}

func (*Pipeline) read(ctx context.Context, fc *flow.Ctx) error {
	rec, _ := fc.State[resourceStateKey].(*Resource)
	req, _ := ReadRequestFrom(fc)

	contents, err := rec.Read(ctx, req)
	if err != nil {
		return err
	}
	fc.Output = &mcp.ReadResourceResult{Contents: contents}
	return nil
}

func (p *Pipeline) collectResources(_ context.Context, fc *flow.Ctx) error {
	var out []mcp.Resource
	for _, r := range p.finder.List() {
		if r.IsTemplate() {
			continue
		}
		out = append(out, r.McpResource())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	fc.Output = &mcp.ListResourcesResult{Resources: out}
	return nil
}

func (p *Pipeline) collectTemplates(_ context.Context, fc *flow.Ctx) error {
	var out []mcp.ResourceTemplate
	for _, r := range p.finder.List() {
		if !r.IsTemplate() {
			continue
		}
		out = append(out, r.McpTemplate())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	fc.Output = &mcp.ListResourceTemplatesResult{ResourceTemplates: out}
	return nil
}

func (p *Pipeline) subscribe(ctx context.Context, fc *flow.Ctx) error {
	uri, err := uriParam(fc.Input)
	if err != nil {
		return err
	}
	if _, _, ok := p.Resolve(uri); !ok {
		return core.NewInvalidInputError(fmt.Sprintf("unknown resource: %s", uri), nil)
	}
	if err := p.subs.Subscribe(ctx, fc.SessionID, uri); err != nil {
		return fmt.Errorf("subscribing %s: %w", uri, err)
	}
	fc.Output = struct{}{}
	return nil
}

func (p *Pipeline) unsubscribe(ctx context.Context, fc *flow.Ctx) error {
	uri, err := uriParam(fc.Input)
	if err != nil {
		return err
	}
	if err := p.subs.Unsubscribe(ctx, fc.SessionID, uri); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", uri, err)
	}
	fc.Output = struct{}{}
	return nil
}

// uriParam pulls the uri out of the request params.
func uriParam(input any) (string, error) {
	var uri string
	switch v := input.(type) {
	case map[string]any:
		uri, _ = v["uri"].(string)
	case json.RawMessage:
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(v, &params); err != nil {
			return "", core.NewInvalidInputError("invalid params", err)
		}
		uri = params.URI
	case []byte:
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(v, &params); err != nil {
			return "", core.NewInvalidInputError("invalid params", err)
		}
		uri = params.URI
	}
	if uri == "" {
		return "", core.NewInvalidInputError("uri is required", nil)
	}
	return uri, nil
}
