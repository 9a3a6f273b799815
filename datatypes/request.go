// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// HTTP Wire Types
// =============================================================================

// ProcessRequest is the body of POST /process-request and
// POST /process-request-workflow.
type ProcessRequest struct {
	UserMessage         string    `json:"user_message" binding:"required"`
	ConversationHistory []Message `json:"conversation_history,omitempty"`
	ConversationID      string    `json:"conversation_id,omitempty"`
	SessionID           string    `json:"session_id,omitempty"`

	// Debug asks the workflow endpoint to attach the stage trace.
	Debug bool `json:"debug,omitempty"`
}

// EffectiveSessionID returns the session key: SessionID, then
// ConversationID, then empty (caller generates one).
func (r *ProcessRequest) EffectiveSessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ConversationID
}

// ProcessResponse is the body of POST /process-request responses.
type ProcessResponse struct {
	Messages []Message `json:"messages"`

	// Tools is non-empty only for control intent.
	Tools []Tool `json:"tools"`
}

// RelevantEntity is the client-facing projection of a reranked entity.
type RelevantEntity struct {
	EntityID   string   `json:"entity_id"`
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Domain     string   `json:"domain"`
	AreaName   string   `json:"area_name,omitempty"`
	Similarity float64  `json:"similarity"`
	Aliases    []string `json:"aliases"`
	IsPrimary  bool     `json:"is_primary"`
}

// WorkflowMetadata is attached to workflow responses for observability.
type WorkflowMetadata struct {
	WorkflowQuality     float64 `json:"workflow_quality"`
	MemoryEntitiesCount int     `json:"memory_entities_count"`
	MemoryBoostedCount  int     `json:"memory_boosted_count"`
	EntityCount         int     `json:"entity_count"`
	Phase               string  `json:"phase"`
}

// WorkflowResponse extends ProcessResponse with retrieval detail; body of
// POST /process-request-workflow responses.
type WorkflowResponse struct {
	Messages         []Message        `json:"messages"`
	Tools            []Tool           `json:"tools"`
	RelevantEntities []RelevantEntity `json:"relevant_entities"`
	FormattedContent string           `json:"formatted_content"`
	Intent           Intent           `json:"intent"`
	Metadata         WorkflowMetadata `json:"metadata"`

	// Trace is included only when the request set debug=true.
	Trace []PipelineStage `json:"trace,omitempty"`
}

// ToolCall is one function call the LLM decided to make, echoed back via
// POST /process-response for execution.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a "domain.service" function and its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name" binding:"required"`
	Arguments string `json:"arguments"`
}

// ProcessToolRequest is the body of POST /process-response.
type ProcessToolRequest struct {
	ToolCalls []ToolCall `json:"tool_calls" binding:"required"`
}

// StatusResponse is the generic {status, message} reply.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ConversationResponse is the body of POST /process-conversation responses.
type ConversationResponse struct {
	Success          bool             `json:"success"`
	Entities         []RelevantEntity `json:"entities"`
	FormattedContent string           `json:"formatted_content"`
	StrategyUsed     string           `json:"strategy_used"`
	ExecutionTimeMs  float64          `json:"execution_time_ms"`
	MessageCount     int              `json:"message_count"`
	Debug            map[string]any   `json:"debug,omitempty"`
}

// =============================================================================
// Tool Schema
// =============================================================================

// Tool is an OpenAI-style function tool description.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names a callable home-automation service.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is a JSON-Schema object description.
type ToolParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required"`
}

// ToolProperty is one JSON-Schema property.
type ToolProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// NewServiceTool builds the tool schema for one "domain.service" call with
// a required entity_id parameter.
//
// # Example
//
//	tool := datatypes.NewServiceTool("light", "turn_on")
//	// tool.Function.Name == "light.turn_on"
func NewServiceTool(domain, service string) Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name: domain + "." + service,
			Parameters: ToolParameters{
				Type: "object",
				Properties: map[string]ToolProperty{
					"entity_id": {
						Type:        "string",
						Description: "Target entity id (" + domain + ".*)",
					},
				},
				Required: []string{"entity_id"},
			},
		},
	}
}

// controllableServices maps controllable domains to the services the bridge
// exposes as tools for a control intent.
var controllableServices = map[string][]string{
	"light":   {"turn_on", "turn_off", "toggle"},
	"switch":  {"turn_on", "turn_off", "toggle"},
	"climate": {"set_temperature", "turn_on", "turn_off"},
	"cover":   {"open_cover", "close_cover"},
	"lock":    {"lock", "unlock"},
}

// ControlToolsFor returns the tool set for the controllable domains present
// among the given entities. Order is deterministic by domain, then service.
func ControlToolsFor(domains []string) []Tool {
	seen := make(map[string]bool, len(domains))
	var tools []Tool
	for _, d := range domains {
		if seen[d] {
			continue
		}
		seen[d] = true
		services, ok := controllableServices[d]
		if !ok {
			continue
		}
		for _, svc := range services {
			tools = append(tools, NewServiceTool(d, svc))
		}
	}
	return tools
}

// IsControllableDomain reports whether the domain accepts control services.
func IsControllableDomain(domain string) bool {
	_, ok := controllableServices[domain]
	return ok
}
