// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// HTTPCompletionOpts configures the HTTP completion client.
type HTTPCompletionOpts struct {
	// URL of the completion endpoint.
	URL string
	// Token is sent as a bearer credential when non-empty.
	Token string
	// Client defaults to http.DefaultClient. Deadlines come from the
	// caller's context, not the client.
	Client *http.Client
}

// HTTPCompletion speaks a minimal JSON completion protocol: POST
// {"prompt": ...}, read {"completion": ...}. It is the default
// CompletionService binding; deployments with other upstreams supply
// their own implementation.
type HTTPCompletion struct {
	opts HTTPCompletionOpts
}

// NewHTTPCompletion builds the client.
func NewHTTPCompletion(opts HTTPCompletionOpts) (*HTTPCompletion, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: completion URL is required", model.ErrInput)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &HTTPCompletion{opts: opts}, nil
}

type completionRequest struct {
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Completion string `json:"completion"`
}

// Complete implements CompletionService.
func (c *HTTPCompletion) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %s", model.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: completion request: %s", model.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading completion response: %s", model.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: completion endpoint returned %d", model.ErrUpstream, resp.StatusCode)
	}

	var cr completionResponse
	if err := json.Unmarshal(raw, &cr); err != nil || cr.Completion == "" {
		// Some upstreams answer with plain text; take the body as-is.
		return string(raw), nil
	}
	return cr.Completion, nil
}
