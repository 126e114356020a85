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

package model

import "errors"

// Error kinds every component boundary converts to. Callers classify with
// errors.Is and must not match on message text.
var (
	// ErrInput marks malformed caller input. Never retried.
	ErrInput = errors.New("invalid input")
	// ErrNotFound marks an unknown entity id.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks unique-constraint or state-machine violations.
	ErrConflict = errors.New("conflict")
	// ErrCapability marks a target engine missing a required view or
	// privilege. The caller may continue with a degraded flow.
	ErrCapability = errors.New("capability unavailable")
	// ErrUnavailable marks a transient transport failure. Retried with
	// bounded backoff, capped at 3 attempts.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrSafetyCheckFailed marks a fix rejected by an applicator gate.
	ErrSafetyCheckFailed = errors.New("safety check failed")
	// ErrUpstream marks a CompletionService failure. Recorded on the
	// optimization, never propagated past the orchestrator's caller.
	ErrUpstream = errors.New("upstream completion failure")
	// ErrFatal marks data corruption or a programmer bug.
	ErrFatal = errors.New("fatal")
)

// Retryable reports whether an error should be retried locally.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
