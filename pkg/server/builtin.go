// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/dispatch"
	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/logger"
	"github.com/gantry-mcp/gantry/pkg/reqctx"
	"github.com/gantry-mcp/gantry/pkg/versions"
)

// initializeParams is the slice of the MCP initialize request the gateway
// negotiates on. Client capabilities are kept raw; the transport persists
// them with the session payload.
type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    json.RawMessage    `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

// InitializeFlow builds the session:initialize flow. The negotiate stage
// echoes the client's protocol version when the gateway supports it and
// offers the latest supported version otherwise, then advertises the
// gateway capability set.
func InitializeFlow(serverName string) *flow.Flow {
	return &flow.Flow{
		Name:    dispatch.InitializeFlowName,
		RunPlan: []string{"negotiate", flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			"negotiate": negotiate(serverName),
		},
	}
}

func negotiate(serverName string) flow.StageFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		params, err := parseInitializeParams(fc.Input)
		if err != nil {
			return err
		}

		version := mcp.LATEST_PROTOCOL_VERSION
		if slices.Contains(mcp.ValidProtocolVersions, params.ProtocolVersion) {
			version = params.ProtocolVersion
		}
		reqctx.Logger(ctx).Debugw("initialize handshake",
			"client", params.ClientInfo.Name,
			"client_version", params.ClientInfo.Version,
			"requested_protocol", params.ProtocolVersion,
			"negotiated_protocol", version)

		fc.Output = &mcp.InitializeResult{
			ProtocolVersion: version,
			Capabilities:    gatewayCapabilities(),
			ServerInfo: mcp.Implementation{
				Name:    serverName,
				Version: versions.GetVersionInfo().Version,
			},
		}
		return nil
	}
}

// gatewayCapabilities is the capability set every session is offered:
// tools, prompts, subscribable resources, per-session logging, and
// argument completion. List-changed notifications are not emitted.
func gatewayCapabilities() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Logging:     &struct{}{},
		Completions: &struct{}{},
		Prompts: &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{},
		Resources: &struct {
			Subscribe   bool `json:"subscribe,omitempty"`
			ListChanged bool `json:"listChanged,omitempty"`
		}{Subscribe: true},
		Tools: &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{},
	}
}

// parseInitializeParams accepts raw params from dispatch or a decoded map
// from embedders. A missing protocolVersion is not an error; negotiation
// falls back to the latest supported version.
func parseInitializeParams(input any) (initializeParams, error) {
	switch v := input.(type) {
	case json.RawMessage:
		return unmarshalInitializeParams(v)
	case []byte:
		return unmarshalInitializeParams(v)
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return initializeParams{}, core.NewInvalidInputError("invalid params", err)
		}
		return unmarshalInitializeParams(raw)
	case nil:
		return initializeParams{}, nil
	default:
		return initializeParams{}, core.NewInvalidInputError(
			fmt.Sprintf("unsupported params type %T", input), nil)
	}
}

func unmarshalInitializeParams(raw []byte) (initializeParams, error) {
	var params initializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return initializeParams{}, core.NewInvalidInputError("invalid params", err)
	}
	return params, nil
}

// PingFlow builds the session:ping flow. Ping answers with an empty
// object regardless of session state.
func PingFlow() *flow.Flow {
	return &flow.Flow{
		Name:    dispatch.PingFlowName,
		RunPlan: []string{"pong", flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			"pong": func(_ context.Context, fc *flow.Ctx) error {
				fc.Output = struct{}{}
				return nil
			},
		},
	}
}

type setLevelParams struct {
	Level string `json:"level"`
}

// SetLevelFlow builds the logging:set-level flow, storing the session's
// minimum level in levels. Sessionless transports cannot hold a level.
func SetLevelFlow(levels *SessionLevels) *flow.Flow {
	return &flow.Flow{
		Name:    dispatch.SetLevelFlowName,
		RunPlan: []string{"apply", flow.StagePost, flow.StageFinalize},
		Stages: map[string]flow.StageFunc{
			"apply": applyLevel(levels),
		},
	}
}

func applyLevel(levels *SessionLevels) flow.StageFunc {
	return func(ctx context.Context, fc *flow.Ctx) error {
		if fc.SessionID == "" {
			return core.NewCapabilityUnavailableError("logging/setLevel")
		}
		params, err := parseSetLevelParams(fc.Input)
		if err != nil {
			return err
		}
		level, err := logger.ParseLevel(params.Level)
		if err != nil {
			return core.NewInvalidInputError(err.Error(), err)
		}

		levels.Set(fc.SessionID, level)
		reqctx.Logger(ctx).Debugw("session log level set", "level", level.String())
		fc.Output = struct{}{}
		return nil
	}
}

func parseSetLevelParams(input any) (setLevelParams, error) {
	switch v := input.(type) {
	case json.RawMessage:
		return unmarshalSetLevelParams(v)
	case []byte:
		return unmarshalSetLevelParams(v)
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return setLevelParams{}, core.NewInvalidInputError("invalid params", err)
		}
		return unmarshalSetLevelParams(raw)
	case nil:
		return setLevelParams{}, core.NewInvalidInputError("missing params", nil)
	default:
		return setLevelParams{}, core.NewInvalidInputError(
			fmt.Sprintf("unsupported params type %T", input), nil)
	}
}

func unmarshalSetLevelParams(raw []byte) (setLevelParams, error) {
	var params setLevelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return setLevelParams{}, core.NewInvalidInputError("invalid params", err)
	}
	return params, nil
}
