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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbpulse/dbpulse/pkg/model"
)

func TestHTTPCompletionJSONResponse(t *testing.T) {
	var gotAuth, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(map[string]string{"completion": "SELECT id FROM orders"})
	}))
	defer srv.Close()

	c, err := NewHTTPCompletion(HTTPCompletionOpts{URL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "rewrite this")
	require.NoError(t, err)
	require.Equal(t, "SELECT id FROM orders", out)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "rewrite this", gotPrompt)
}

func TestHTTPCompletionPlainTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("SELECT 1"))
	}))
	defer srv.Close()

	c, err := NewHTTPCompletion(HTTPCompletionOpts{URL: srv.URL})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", out)
}

func TestHTTPCompletionUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewHTTPCompletion(HTTPCompletionOpts{URL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "p")
	require.ErrorIs(t, err, model.ErrUpstream)

	_, err = NewHTTPCompletion(HTTPCompletionOpts{})
	require.ErrorIs(t, err, model.ErrInput)
}
