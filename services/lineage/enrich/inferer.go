// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// Inferer is the model capability: a prompt in, a JSON answer out.
type Inferer interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// InfererFunc adapts a function to Inferer.
type InfererFunc func(ctx context.Context, prompt string) (string, error)

// Infer implements Inferer.
func (f InfererFunc) Infer(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// OpenAIConfig configures OpenAIInferer.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points at any OpenAI-compatible server, e.g.
	// "http://localhost:11434/v1" for Ollama. Empty uses api.openai.com.
	BaseURL string

	Model       string
	Temperature float32

	// JSONMode requests a JSON object response format. Disable for
	// servers that reject the field.
	JSONMode bool
}

// OpenAIInferer calls a chat completion endpoint.
type OpenAIInferer struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIInferer builds an inferer. Model is required.
func NewOpenAIInferer(cfg OpenAIConfig) (*OpenAIInferer, error) {
	if cfg.Model == "" {
		return nil, errors.New("enrich: model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI inferer", "model", cfg.Model, "base_url", oc.BaseURL)
	return &OpenAIInferer{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// Model returns the configured model name.
func (o *OpenAIInferer) Model() string {
	return o.cfg.Model
}

// Infer implements Inferer.
func (o *OpenAIInferer) Infer(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if o.cfg.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	slog.Debug("Received inference response", "model", o.cfg.Model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
