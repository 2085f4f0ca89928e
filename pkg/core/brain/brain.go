// Package brain generates a spoken reply for a caller turn. Replies arrive as
// a token stream so synthesis can start before generation finishes; the final
// result may carry transfer, hangup, and voice-mode directives.
package brain

import "context"

// Role values for conversation history.
const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// Turn is one entry of conversation history.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TransferTarget is a destination the reply service may route a call to.
type TransferTarget struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Request carries one caller turn plus the tenant context the service needs.
type Request struct {
	CallID       string           `json:"call_id"`
	Transcript   string           `json:"transcript"`
	History      []Turn           `json:"history,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Pricing      string           `json:"pricing,omitempty"`
	Transfers    []TransferTarget `json:"transfers,omitempty"`
}

// VoiceDirective asks the session to switch synthesis mode before speaking
// this reply.
type VoiceDirective struct {
	Kind         string `json:"kind"` // "preset" or "cloned"
	Voice        string `json:"voice,omitempty"`
	ReferenceURL string `json:"reference_url,omitempty"`
}

// Directives are the reply's side requests. They are settled once the token
// stream has been fully consumed.
type Directives struct {
	Transfer  string          `json:"transfer,omitempty"` // target number, empty for none
	Hangup    bool            `json:"hangup,omitempty"`
	VoiceMode *VoiceDirective `json:"voice_mode,omitempty"`
}

// Stream yields reply tokens. Next returns io.EOF when generation completes.
// A voice directive may become visible through Directives as soon as the
// backend sends it; transfer and hangup settle only once Next returns io.EOF.
type Stream interface {
	Next() (string, error)
	Directives() Directives
	Close() error
}

// Provider is the interface to a reply-generation service.
type Provider interface {
	Name() string
	Reply(ctx context.Context, req Request) (Stream, error)
}
