// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ai provides the ai.chat.complete capability. The capability
// normalizes workflow inputs (prompt or messages, plus the options wrapper
// carrying model, credential, and an optional system prompt) into a Request
// and hands it to a Completer. The HTTP completer in this package speaks the
// OpenAI-compatible chat completions shape; tests and embedders can supply
// their own.
package ai

import (
	"context"
	"fmt"

	"github.com/forgeline/stepflow/internal/registry"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized completion request.
type Request struct {
	Model      string
	Credential string
	System     string
	Messages   []Message
}

// Completer produces the completion text for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Chat is the ai.chat.complete capability.
type Chat struct {
	completer Completer
}

// Register wires the ai family into reg.
func Register(reg *registry.Registry, completer Completer) error {
	chat := &Chat{completer: completer}
	return reg.Register("ai.chat.complete",
		"Chat completion: prompt or messages, options {model, credential, system?}",
		registry.Func(chat.complete))
}

// complete resolves the step inputs into a Request. The interpreter's
// system-prompt override hook writes into options.system, so the system
// prompt is read from there rather than from a top-level input.
func (c *Chat) complete(ctx context.Context, inputs map[string]any) (any, error) {
	req, err := parseRequest(inputs)
	if err != nil {
		return nil, err
	}
	return c.completer.Complete(ctx, req)
}

func parseRequest(inputs map[string]any) (Request, error) {
	options, ok := inputs["options"].(map[string]any)
	if !ok {
		return Request{}, fmt.Errorf("options object is required")
	}

	model, _ := options["model"].(string)
	if model == "" {
		return Request{}, fmt.Errorf("options.model is required")
	}
	credential, _ := options["credential"].(string)
	if credential == "" {
		return Request{}, fmt.Errorf("options.credential is required")
	}
	system, _ := options["system"].(string)

	messages, err := parseMessages(inputs)
	if err != nil {
		return Request{}, err
	}

	return Request{
		Model:      model,
		Credential: credential,
		System:     system,
		Messages:   messages,
	}, nil
}

func parseMessages(inputs map[string]any) ([]Message, error) {
	if prompt, ok := inputs["prompt"].(string); ok && prompt != "" {
		return []Message{{Role: "user", Content: prompt}}, nil
	}

	raw, ok := inputs["messages"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("either prompt or a non-empty messages list is required")
	}

	messages := make([]Message, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("messages[%d] must be an object with role and content", i)
		}
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		if role == "" || content == "" {
			return nil, fmt.Errorf("messages[%d] must have non-empty role and content", i)
		}
		messages = append(messages, Message{Role: role, Content: content})
	}
	return messages, nil
}
