// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/flow"
)

// Flow names served by the pipeline.
const (
	SearchFlowName = "skills:search"
	LoadFlowName   = "skills:load"
	ListFlowName   = "skills:list"
)

// SearchResult is the skills/search result payload.
type SearchResult struct {
	Skills []RankedSkill `json:"skills"`
}

// ListResult is the skills/list result payload.
type ListResult struct {
	Skills []*Skill `json:"skills"`
}

// Pipeline builds the skills flows over a registry. When a gate is
// attached, a successful load marks the skill loaded for the calling
// session.
type Pipeline struct {
	registry Registry
	gate     *SessionGate
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSessionGate unlocks skill-gated tools on load.
func WithSessionGate(gate *SessionGate) PipelineOption {
	return func(p *Pipeline) { p.gate = gate }
}

// NewPipeline returns a pipeline over registry.
func NewPipeline(registry Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{registry: registry}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SearchFlow returns the skills/search flow.
func (p *Pipeline) SearchFlow() *flow.Flow {
	return &flow.Flow{
		Name:    SearchFlowName,
		RunPlan: []string{"search", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"search": p.search},
	}
}

// LoadFlow returns the skills/load flow.
func (p *Pipeline) LoadFlow() *flow.Flow {
	return &flow.Flow{
		Name:    LoadFlowName,
		RunPlan: []string{"load", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"load": p.load},
	}
}

// ListFlow returns the skills/list flow.
func (p *Pipeline) ListFlow() *flow.Flow {
	return &flow.Flow{
		Name:    ListFlowName,
		RunPlan: []string{"list", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"list": p.list},
	}
}

func (p *Pipeline) search(ctx context.Context, fc *flow.Ctx) error {
	params, err := parseSearchParams(fc.Input)
	if err != nil {
		return err
	}
	matches, err := p.registry.Search(ctx, params.Query, SearchOptions{Limit: params.Limit})
	if err != nil {
		return fmt.Errorf("searching skills: %w", err)
	}
	if matches == nil {
		matches = []RankedSkill{}
	}
	fc.Output = &SearchResult{Skills: matches}
	return nil
}

func (p *Pipeline) load(ctx context.Context, fc *flow.Ctx) error {
	id, err := idParam(fc.Input)
	if err != nil {
		return err
	}
	result, err := p.registry.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return core.NewInvalidInputError(fmt.Sprintf("unknown skill: %s", id), nil)
	}
	if err != nil {
		return fmt.Errorf("loading skill %s: %w", id, err)
	}
	if p.gate != nil {
		p.gate.MarkLoaded(fc.SessionID, result.Skill.ID)
	}
	fc.Output = result
	return nil
}

func (p *Pipeline) list(ctx context.Context, fc *flow.Ctx) error {
	params, err := parseListParams(fc.Input)
	if err != nil {
		return err
	}
	recs, err := p.registry.List(ctx, ListOptions{Tag: params.Tag, Limit: params.Limit})
	if err != nil {
		return fmt.Errorf("listing skills: %w", err)
	}
	if recs == nil {
		recs = []*Skill{}
	}
	fc.Output = &ListResult{Skills: recs}
	return nil
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func parseSearchParams(input any) (*searchParams, error) {
	var params searchParams
	switch v := input.(type) {
	case map[string]any:
		params.Query, _ = v["query"].(string)
		if limit, ok := v["limit"].(float64); ok {
			params.Limit = int(limit)
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid skills/search params", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid skills/search params", err)
		}
	}
	if params.Query == "" {
		return nil, core.NewInvalidInputError("search query is required", nil)
	}
	return &params, nil
}

type listParams struct {
	Tag   string `json:"tag,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func parseListParams(input any) (*listParams, error) {
	var params listParams
	switch v := input.(type) {
	case map[string]any:
		params.Tag, _ = v["tag"].(string)
		if limit, ok := v["limit"].(float64); ok {
			params.Limit = int(limit)
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid skills/list params", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid skills/list params", err)
		}
	case nil:
	}
	return &params, nil
}

func idParam(input any) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	switch v := input.(type) {
	case map[string]any:
		params.ID, _ = v["id"].(string)
	case json.RawMessage:
		if err := json.Unmarshal(v, &params); err != nil {
			return "", core.NewInvalidInputError("invalid skills/load params", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &params); err != nil {
			return "", core.NewInvalidInputError("invalid skills/load params", err)
		}
	}
	if params.ID == "" {
		return "", core.NewInvalidInputError("skill id is required", nil)
	}
	return params.ID, nil
}
