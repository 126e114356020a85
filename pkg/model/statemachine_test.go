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

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptimizationTransitions(t *testing.T) {
	all := []OptimizationStatus{
		StatusGenerated, StatusApplied, StatusReverted,
		StatusValidated, StatusValidationFailed,
	}
	legal := map[[2]OptimizationStatus]bool{
		{StatusGenerated, StatusApplied}:                  true,
		{StatusApplied, StatusValidated}:                  true,
		{StatusApplied, StatusValidationFailed}:           true,
		{StatusApplied, StatusReverted}:                   true,
		{StatusValidated, StatusReverted}:                 true,
		{StatusValidationFailed, StatusReverted}:          true,
	}
	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			want := legal[[2]OptimizationStatus{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCheckTransitionConflict(t *testing.T) {
	err := CheckTransition(StatusValidated, StatusGenerated)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConflict))

	require.NoError(t, CheckTransition(StatusGenerated, StatusApplied))
}

func TestParseEngine(t *testing.T) {
	for _, s := range []string{"postgresql", "mysql", "mssql", "oracle"} {
		if _, err := ParseEngine(s); err != nil {
			t.Errorf("ParseEngine(%q) unexpected error: %v", s, err)
		}
	}
	_, err := ParseEngine("sqlite")
	require.True(t, errors.Is(err, ErrInput))
}

func TestSeverityRankTotalOrder(t *testing.T) {
	order := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	for i := 1; i < len(order); i++ {
		require.Less(t, order[i-1].Rank(), order[i].Rank())
	}
}
