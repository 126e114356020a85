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
	"regexp"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/sqlnorm"
)

// Completion output is free text; extraction runs a fixed ladder of
// strategies from most to least structured and records which one won.
// The ladder never fails: the last rung returns the raw response.
var (
	reTaggedSQL   = regexp.MustCompile(`(?is)<(sql|optimized_query)>\s*(.*?)\s*</(?:sql|optimized_query)>`)
	reDelimited   = regexp.MustCompile(`(?is)-{3,}\s*optimized\s+sql\s*-{3,}\s*(.*?)\s*(?:-{3,}|\z)`)
	reFencedSQL   = regexp.MustCompile("(?s)```(?:sql)?\\s*\n?(.*?)```")
	reKeywordSpan = regexp.MustCompile(`(?is)\b(select|with|insert|update|delete)\b.*`)
	reEmergency   = regexp.MustCompile(`(?is)select\b.+?\bfrom\b\s+\S+[^;]*`)

	reBullet = regexp.MustCompile(`(?m)^\s*(?:[-*\x{2022}]|\d+[.)])\s+(.+)$`)
)

// ParseCompletion extracts the rewritten statement from a completion
// response. It returns the SQL, the name of the strategy that produced
// it, and the prose recommendations found alongside.
func ParseCompletion(response string) (sql, strategy string, recommendations []string) {
	recommendations = extractRecommendations(response)

	if m := reTaggedSQL.FindStringSubmatch(response); m != nil {
		if s, ok := acceptSQL(m[2]); ok {
			return s, model.StrategyTaggedSection, recommendations
		}
	}
	if m := reDelimited.FindStringSubmatch(response); m != nil {
		if s, ok := acceptSQL(m[1]); ok {
			return s, model.StrategyTaggedSection, recommendations
		}
	}
	for _, m := range reFencedSQL.FindAllStringSubmatch(response, -1) {
		if s, ok := acceptSQL(m[1]); ok {
			return s, model.StrategyFencedBlock, recommendations
		}
	}
	for _, stmt := range sqlnorm.SplitStatements(response) {
		if s, ok := acceptSQL(stmt); ok {
			return s, model.StrategyFirstStatement, recommendations
		}
	}
	if m := reKeywordSpan.FindString(response); m != "" {
		candidate := m
		if i := strings.IndexByte(candidate, ';'); i > 0 {
			candidate = candidate[:i]
		}
		if s, ok := acceptSQL(candidate); ok {
			return s, model.StrategyKeywordSpan, recommendations
		}
	}
	if s, ok := acceptSQL(response); ok {
		return s, model.StrategyFullResponse, recommendations
	}
	if m := reEmergency.FindString(response); m != "" {
		return strings.TrimSpace(m), model.StrategyEmergency, recommendations
	}
	return strings.TrimSpace(response), model.StrategyRawResponse, recommendations
}

// acceptSQL trims a candidate and keeps it only when it still reads as a
// single DML statement after normalization.
func acceptSQL(candidate string) (string, bool) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(candidate), ";"))
	if s == "" {
		return "", false
	}
	norm := sqlnorm.Normalize(s)
	if norm == "" {
		return "", false
	}
	switch sqlnorm.Classify(norm) {
	case sqlnorm.StmtSelect, sqlnorm.StmtInsert, sqlnorm.StmtUpdate, sqlnorm.StmtDelete:
	default:
		return "", false
	}
	// More than one statement means the rung grabbed too much.
	if len(sqlnorm.SplitStatements(s)) > 1 {
		return "", false
	}
	return s, true
}

// extractRecommendations collects bullet lines, skipping ones that are
// themselves SQL.
func extractRecommendations(response string) []string {
	var out []string
	for _, m := range reBullet.FindAllStringSubmatch(response, -1) {
		line := strings.TrimSpace(m[1])
		if line == "" {
			continue
		}
		if c := sqlnorm.Classify(strings.ToLower(line)); c == sqlnorm.StmtSelect || c == sqlnorm.StmtDDL {
			continue
		}
		out = append(out, line)
		if len(out) == 10 {
			break
		}
	}
	return out
}
