// Package generation triggers image, video, speech and training jobs on an
// external backend and routes their asynchronous completions back to the
// conversation that paid for them.
package generation

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/stargate/pkg/pricing"
)

// ErrRejected means the backend refused the request. The job will never
// complete, so the caller must refund.
var ErrRejected = errors.New("generation: request rejected")

// UIContext tells the backend where the result is eventually shown.
type UIContext struct {
	ConversationKey string `json:"conversation_key"`
	Locale          string `json:"locale"`
}

// Request is one generation job.
type Request struct {
	OperationID string            `json:"operation_id"`
	Kind        pricing.Operation `json:"kind"`
	Prompt      string            `json:"prompt"`
	ModelRef    string            `json:"model_ref,omitempty"`
	// Units is seconds of video or training steps; zero otherwise.
	Units     int64     `json:"units,omitempty"`
	UserID    int64     `json:"user_id"`
	UIContext UIContext `json:"ui_context"`
}

// Client submits jobs. A nil error means the job was accepted and a
// Completion will follow.
type Client interface {
	Request(ctx context.Context, req Request) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) error

func (f ClientFunc) Request(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Unconfigured rejects every request. It stands in when no backend URL is
// set, so paid flows refund instead of hanging.
var Unconfigured Client = ClientFunc(func(context.Context, Request) error {
	return errors.Join(ErrRejected, errors.New("no generation backend configured"))
})

// Completion is the backend's report for one job.
type Completion struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
}
