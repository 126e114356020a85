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
	"fmt"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
	"github.com/dbpulse/dbpulse/pkg/plan"
)

// PromptInput is everything the prompt builder folds into one request.
type PromptInput struct {
	Engine    model.Engine
	SQL       string
	SchemaDDL string
	Plan      *plan.Plan
	Issues    []model.DetectedIssue
	Patterns  []model.OptimizationPattern
}

// BuildPrompt renders the completion request. The response contract asks
// for the rewrite inside <optimized_query> tags, which is the top rung of
// the extraction ladder.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s performance engineer. Rewrite the query below to run faster without changing its result set.\n\n", engineName(in.Engine))

	b.WriteString("## Query\n\n")
	b.WriteString(in.SQL)
	b.WriteString("\n\n")

	if in.SchemaDDL != "" {
		b.WriteString("## Schema\n\n")
		b.WriteString(in.SchemaDDL)
		b.WriteString("\n")
	}

	if in.Plan != nil && in.Plan.Root != nil {
		e := plan.Explain(in.Plan)
		b.WriteString("## Execution plan\n\n")
		b.WriteString(e.Explanation)
		b.WriteString("\n\n")
		for _, bn := range e.Bottlenecks {
			fmt.Fprintf(&b, "Bottleneck: %s\n", bn)
		}
		b.WriteString("\n")
	}

	if len(in.Issues) > 0 {
		b.WriteString("## Detected issues\n\n")
		for _, is := range in.Issues {
			fmt.Fprintf(&b, "- [%s/%s] %s: %s\n", is.Severity, is.Type, is.Title, is.Description)
		}
		b.WriteString("\n")
	}

	if len(in.Patterns) > 0 {
		b.WriteString("## Rewrites that worked on structurally similar queries\n\n")
		for _, p := range in.Patterns {
			fmt.Fprintf(&b, "- %s (%.0f%% success over %d applications):\n  before: %s\n  after:  %s\n",
				p.Type, p.SuccessRate*100, p.Applications, p.OriginalTemplate, p.OptimizedTemplate)
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Response format

Return the rewritten statement inside <optimized_query> tags, then a short explanation, then bullet-point recommendations. The rewrite must be a single statement and must preserve the result set exactly.
`)
	return b.String()
}

func engineName(e model.Engine) string {
	switch e {
	case model.EngineMySQL:
		return "MySQL"
	case model.EngineMSSQL:
		return "SQL Server"
	case model.EngineOracle:
		return "Oracle"
	default:
		return "PostgreSQL"
	}
}
