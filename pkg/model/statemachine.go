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

import "fmt"

// optimizationTransitions enumerates every legal status move. GENERATED is
// terminal when no fix is ever applied; REVERTED is reachable from APPLIED
// on operator action and from the two validation outcomes.
var optimizationTransitions = map[OptimizationStatus][]OptimizationStatus{
	StatusGenerated:        {StatusApplied},
	StatusApplied:          {StatusValidated, StatusValidationFailed, StatusReverted},
	StatusValidated:        {StatusReverted},
	StatusValidationFailed: {StatusReverted},
	StatusReverted:         {},
}

// CanTransition reports whether an optimization may move between statuses.
func CanTransition(from, to OptimizationStatus) bool {
	for _, next := range optimizationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrConflict for an illegal status move.
func CheckTransition(from, to OptimizationStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: illegal optimization transition %s -> %s", ErrConflict, from, to)
	}
	return nil
}
