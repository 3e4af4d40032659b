// Package apitypes defines the chat-completion wire protocol spoken by maas
// services: the inbound request envelope, the standard and incremental
// response templates, and the model listing shapes. The types mirror the
// OpenAI Chat Completions API so any compatible client can call a wrapped
// function without knowing it is not a hosted model.
package apitypes

import (
	"encoding/json"
	"fmt"
)

// Object type discriminators carried by outbound payloads.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectList                = "list"
)

// Well-known finish reasons. Handlers may supply any string; these are the
// values the engine generates on its own.
const (
	FinishReasonStop  = "stop"
	FinishReasonError = "error"
)

// RoleAssistant is the role stamped on generated messages and on the first
// chunk of a streamed response.
const RoleAssistant = "assistant"

type (
	// Message is one role-tagged entry in the conversation carried by a
	// request envelope or returned in a response choice.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Name    string `json:"name,omitempty"`
	}

	// ChatCompletionRequest is the inbound request envelope. Beyond the
	// typed fields it retains the raw decoded document, with object key
	// order preserved, so the request mapper can search arbitrarily nested
	// structure for handler parameters.
	ChatCompletionRequest struct {
		Model            string     `json:"model"`
		Messages         []*Message `json:"messages"`
		Temperature      *float64   `json:"temperature,omitempty"`
		TopP             *float64   `json:"top_p,omitempty"`
		N                *int       `json:"n,omitempty"`
		Stream           bool       `json:"stream,omitempty"`
		Stop             any        `json:"stop,omitempty"`
		MaxTokens        *int       `json:"max_tokens,omitempty"`
		PresencePenalty  *float64   `json:"presence_penalty,omitempty"`
		FrequencyPenalty *float64   `json:"frequency_penalty,omitempty"`
		User             string     `json:"user,omitempty"`

		raw *Node
	}

	// Choice is one generated alternative in a standard response.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason *string `json:"finish_reason"`
	}

	// Usage reports token accounting for a completion. The engine estimates
	// counts by whitespace tokenization when the handler does not supply
	// them.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatCompletionResponse is the standard (non-streaming) response
	// template.
	ChatCompletionResponse struct {
		ID      string    `json:"id"`
		Object  string    `json:"object"`
		Created int64     `json:"created"`
		Model   string    `json:"model"`
		Choices []*Choice `json:"choices"`
		Usage   Usage     `json:"usage"`
	}

	// Delta carries the incremental message fragment of a chunk. Role is
	// populated on the first chunk of a stream only.
	Delta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content"`
	}

	// ChunkChoice is one alternative within a streamed chunk. FinishReason
	// is null on every chunk except the terminal one.
	ChunkChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	// ChatCompletionChunk is the incremental response template. ID and
	// Created are constant across every chunk of one invocation.
	ChatCompletionChunk struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []*ChunkChoice `json:"choices"`
	}

	// Model describes one registered service in the /v1/models listing.
	Model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	// ModelList is the /v1/models response body.
	ModelList struct {
		Object string   `json:"object"`
		Data   []*Model `json:"data"`
	}

	// ErrorBody is the OpenAI-style error payload returned to clients.
	ErrorBody struct {
		Error ErrorDetail `json:"error"`
	}

	// ErrorDetail describes a single client-visible error.
	ErrorDetail struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
)

// MalformedRequestError reports an inbound envelope that is structurally
// invalid (not JSON, wrong types, missing required fields). It is fatal for
// the request and maps to a client error at the transport.
type MalformedRequestError struct {
	Reason string
	Cause  error
}

// Error implements error.
func (e *MalformedRequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed request: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed request: %s", e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *MalformedRequestError) Unwrap() error { return e.Cause }

// UnmarshalJSON decodes the envelope twice: once into the typed fields and
// once into an ordered node tree kept for parameter search. Decoding failures
// surface as MalformedRequestError.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type plain ChatCompletionRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return &MalformedRequestError{Reason: "invalid request body", Cause: err}
	}
	raw, err := ParseNode(data)
	if err != nil {
		return &MalformedRequestError{Reason: "invalid request body", Cause: err}
	}
	*r = ChatCompletionRequest(p)
	r.raw = raw
	return nil
}

// Raw returns the ordered node tree the envelope was decoded from, or nil if
// the envelope was constructed in code rather than decoded. SetRaw installs a
// tree explicitly, which tests and in-process callers use.
func (r *ChatCompletionRequest) Raw() *Node { return r.raw }

// SetRaw installs the ordered node tree backing the envelope.
func (r *ChatCompletionRequest) SetRaw(n *Node) { r.raw = n }

// LastMessage returns the final message of the envelope, or nil when the
// message sequence is empty.
func (r *ChatCompletionRequest) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1]
}
