// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package prompts

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
	GetFlowName      = "prompts:get-prompt"
	ListFlowName     = "prompts:list-prompts"
	CompleteFlowName = "completion:complete"
)

// Stages of the get flow.
const (
	StageResolve  = "resolve"
	StageValidate = "validate"
	StageRender   = "render"
)

// maxCompletionValues caps a single completion response. Longer suggestion
// lists are truncated with hasMore set.
const maxCompletionValues = 100

// State keys the pipeline shares with hooks.
const (
	promptStateKey  = "prompts.record"
	requestStateKey = "prompts.getRequest"
)

// GetRequestFrom returns the get request the pipeline stored in the flow
// state.
func GetRequestFrom(fc *flow.Ctx) (*GetRequest, bool) {
	req, ok := fc.State[requestStateKey].(*GetRequest)
	return req, ok
}

// CompleteResult is the completion/complete result payload.
type CompleteResult struct {
	Completion Completion `json:"completion"`
}

// Completion carries the suggested values for one argument.
type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// Finder resolves prompts for the pipeline. *Registry satisfies it; scopes
// wrap it with parent fallback.
type Finder interface {
	FindQualified(name string) (*Prompt, bool)
	List() []*Prompt
}

// Pipeline builds the prompt flows over a finder.
type Pipeline struct {
	finder Finder
}

// NewPipeline returns a pipeline over finder.
func NewPipeline(finder Finder) *Pipeline {
	return &Pipeline{finder: finder}
}

// GetFlow returns the prompts/get flow.
func (p *Pipeline) GetFlow() *flow.Flow {
	return &flow.Flow{
		Name:    GetFlowName,
		RunPlan: []string{StageResolve, StageValidate, StageRender, flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			StageResolve:  p.resolve,
			StageValidate: p.validate,
			StageRender:   p.render,
		},
	}
}

// ListFlow returns the prompts/list flow.
func (p *Pipeline) ListFlow() *flow.Flow {
	return &flow.Flow{
		Name:    ListFlowName,
		RunPlan: []string{"collect", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"collect": p.collect},
	}
}

// CompleteFlow returns the completion/complete flow. Prompt arguments with
// a Completer suggest values; resource references complete to nothing.
func (p *Pipeline) CompleteFlow() *flow.Flow {
	return &flow.Flow{
		Name:    CompleteFlowName,
		RunPlan: []string{"complete", flow.StagePost, flow.StageFinalize},
		Stages:  map[string]flow.StageFunc{"complete": p.complete},
	}
}

func (p *Pipeline) resolve(_ context.Context, fc *flow.Ctx) error {
	params, err := parseGetParams(fc.Input)
	if err != nil {
		return err
	}
	prompt, ok := p.finder.FindQualified(params.Name)
	if !ok {
		return core.NewInvalidInputError(fmt.Sprintf("unknown prompt: %s", params.Name), nil)
	}
	fc.State[promptStateKey] = prompt
	fc.State[requestStateKey] = &GetRequest{
		Name:      prompt.ID(),
		Arguments: params.Arguments,
		SessionID: fc.SessionID,
		RequestID: fc.RequestID,
		Principal: fc.Principal,
		Views:     fc.Views,
	}
	return nil
}

func (*Pipeline) validate(_ context.Context, fc *flow.Ctx) error {
	prompt, _ := fc.State[promptStateKey].(*Prompt)
	req, _ := GetRequestFrom(fc)

	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if req.Arguments[arg.Name] == "" {
			return core.NewInvalidInputError(
				fmt.Sprintf("prompt %s: missing required argument %q", prompt.ID(), arg.Name), nil)
		}
	}
	return nil
}

func (*Pipeline) render(ctx context.Context, fc *flow.Ctx) error {
	prompt, _ := fc.State[promptStateKey].(*Prompt)
	req, _ := GetRequestFrom(fc)

	result, err := prompt.Render(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("prompt %s rendered nothing", prompt.ID())
	}
	fc.Output = result
	return nil
}

func (p *Pipeline) collect(_ context.Context, fc *flow.Ctx) error {
	prompts := p.finder.List()
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].ID() < prompts[j].ID() })

	out := make([]mcp.Prompt, 0, len(prompts))
	for _, rec := range prompts {
		out = append(out, rec.McpPrompt())
	}
	fc.Output = &mcp.ListPromptsResult{Prompts: out}
	return nil
}

func (p *Pipeline) complete(ctx context.Context, fc *flow.Ctx) error {
	params, err := parseCompleteParams(fc.Input)
	if err != nil {
		return err
	}

	// Only prompt arguments carry completers; anything else completes to
	// an empty list.
	if params.Ref.Type != "ref/prompt" {
		fc.Output = &CompleteResult{Completion: Completion{Values: []string{}}}
		return nil
	}

	prompt, ok := p.finder.FindQualified(params.Ref.Name)
	if !ok {
		return core.NewInvalidInputError(fmt.Sprintf("unknown prompt: %s", params.Ref.Name), nil)
	}
	arg, ok := prompt.Argument(params.Argument.Name)
	if !ok {
		return core.NewInvalidInputError(
			fmt.Sprintf("prompt %s has no argument %q", prompt.ID(), params.Argument.Name), nil)
	}

	if arg.Complete == nil {
		fc.Output = &CompleteResult{Completion: Completion{Values: []string{}}}
		return nil
	}

	values, err := arg.Complete(ctx, params.Argument.Value)
	if err != nil {
		return fmt.Errorf("completing %s.%s: %w", prompt.ID(), arg.Name, err)
	}
	if values == nil {
		values = []string{}
	}

	total := len(values)
	hasMore := false
	if total > maxCompletionValues {
		values = values[:maxCompletionValues]
		hasMore = true
	}
	fc.Output = &CompleteResult{Completion: Completion{
		Values:  values,
		Total:   total,
		HasMore: hasMore,
	}}
	return nil
}

type getParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

func parseGetParams(input any) (*getParams, error) {
	var params getParams
	switch v := input.(type) {
	case map[string]any:
		params.Name, _ = v["name"].(string)
		if rawArgs, ok := v["arguments"].(map[string]any); ok {
			params.Arguments = make(map[string]string, len(rawArgs))
			for name, value := range rawArgs {
				s, ok := value.(string)
				if !ok {
					return nil, core.NewInvalidInputError(
						fmt.Sprintf("argument %q must be a string", name), nil)
				}
				params.Arguments[name] = s
			}
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid prompts/get params", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid prompts/get params", err)
		}
	}
	if params.Name == "" {
		return nil, core.NewInvalidInputError("prompt name is required", nil)
	}
	if params.Arguments == nil {
		params.Arguments = make(map[string]string)
	}
	return &params, nil
}

type completeParams struct {
	Ref struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	} `json:"ref"`
	Argument struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"argument"`
}

func parseCompleteParams(input any) (*completeParams, error) {
	var params completeParams
	switch v := input.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid completion/complete params", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid completion/complete params", err)
		}
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, core.NewInvalidInputError("invalid completion/complete params", err)
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, core.NewInvalidInputError("invalid completion/complete params", err)
		}
	}
	if params.Ref.Type == "" {
		return nil, core.NewInvalidInputError("completion ref is required", nil)
	}
	if params.Argument.Name == "" {
		return nil, core.NewInvalidInputError("completion argument name is required", nil)
	}
	return &params, nil
}
