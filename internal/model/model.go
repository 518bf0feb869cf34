// Package model provides the pluggable generation capability consumed by
// the attacker stage.
package model

import (
	"context"
	"fmt"

	"redteamer/internal/llm"
)

// Generator is the narrow capability contract: produce text for a prompt.
// Implementations may block on network or compute; a timeout, if desired,
// is the implementation's responsibility.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Stub is a deterministic echo generator for tests and golden runs.
type Stub struct{}

func (Stub) Name() string {
	return "stub:echo"
}

func (s Stub) Generate(_ context.Context, prompt string) (string, error) {
	return fmt.Sprintf("[stub:%s] %s", s.Name(), prompt), nil
}

// Scripted replays a fixed sequence of responses, then fails. Useful as a
// test double for success and exhaustion scenarios.
type Scripted struct {
	Responses []string
	next      int
}

func (s *Scripted) Name() string {
	return "stub:scripted"
}

func (s *Scripted) Generate(_ context.Context, _ string) (string, error) {
	if s.next >= len(s.Responses) {
		return "", fmt.Errorf("scripted generator exhausted after %d responses", len(s.Responses))
	}
	out := s.Responses[s.next]
	s.next++
	return out, nil
}

// API adapts an llm.Client into a Generator.
type API struct {
	client    *llm.Client
	model     string
	maxTokens int
}

func NewAPI(client *llm.Client, model string, maxTokens int) *API {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &API{client: client, model: model, maxTokens: maxTokens}
}

func (a *API) Name() string {
	return "api:" + a.model
}

func (a *API) Generate(ctx context.Context, prompt string) (string, error) {
	resp, _, err := a.client.Complete(ctx, llm.CompletionRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	return resp.Text(), nil
}
