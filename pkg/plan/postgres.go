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

package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// pgNode mirrors the relevant subset of EXPLAIN (FORMAT JSON) output.
type pgNode struct {
	NodeType     string   `json:"Node Type"`
	RelationName string   `json:"Relation Name"`
	IndexName    string   `json:"Index Name"`
	TotalCost    float64  `json:"Total Cost"`
	PlanRows     float64  `json:"Plan Rows"`
	PlanWidth    int      `json:"Plan Width"`
	ActualRows   *float64 `json:"Actual Rows"`
	Filter       string   `json:"Filter"`
	IndexCond    string   `json:"Index Cond"`
	JoinType     string   `json:"Join Type"`
	SharedHit    int64    `json:"Shared Hit Blocks"`
	SharedRead   int64    `json:"Shared Read Blocks"`
	Plans        []pgNode `json:"Plans"`
}

type pgExplain struct {
	Plan          pgNode   `json:"Plan"`
	PlanningTime  float64  `json:"Planning Time"`
	ExecutionTime float64  `json:"Execution Time"`
}

// ParsePostgres maps EXPLAIN (FORMAT JSON [, ANALYZE]) output into the
// normalized tree.
func ParsePostgres(raw []byte) (*Plan, error) {
	var out []pgExplain
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse postgres plan: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("parse postgres plan: empty explain output")
	}
	e := out[0]
	p := &Plan{
		Engine: model.EnginePostgres,
		Root:   convertPGNode(&e.Plan),
		Native: json.RawMessage(raw),
	}
	var hits, reads int64
	p.Walk(func(n *Node, _ int) {
		if n.HasActual {
			p.Analyzed = true
		}
		if h, ok := n.Extra["shared_hit_blocks"].(int64); ok {
			hits += h
		}
		if r, ok := n.Extra["shared_read_blocks"].(int64); ok {
			reads += r
		}
	})
	p.Metrics = model.PerformanceMetrics{
		ExecutionTimeMS: e.ExecutionTime,
		PlanningTimeMS:  e.PlanningTime,
		BufferHits:      hits,
		BufferReads:     reads,
	}
	return p, nil
}

func convertPGNode(pn *pgNode) *Node {
	n := &Node{
		OpType:    mapPGOp(pn.NodeType),
		Relation:  strings.ToLower(pn.RelationName),
		IndexName: strings.ToLower(pn.IndexName),
		EstCost:   pn.TotalCost,
		EstRows:   pn.PlanRows,
		Width:     pn.PlanWidth,
		Filter:    pn.Filter,
	}
	if n.Filter == "" {
		n.Filter = pn.IndexCond
	}
	if pn.ActualRows != nil {
		n.ActualRows = *pn.ActualRows
		n.HasActual = true
	}
	if pn.SharedHit > 0 || pn.SharedRead > 0 {
		n.Extra = map[string]any{
			"shared_hit_blocks":  pn.SharedHit,
			"shared_read_blocks": pn.SharedRead,
		}
	}
	if pn.JoinType != "" {
		if n.Extra == nil {
			n.Extra = map[string]any{}
		}
		n.Extra["join_type"] = pn.JoinType
	}
	for i := range pn.Plans {
		n.Children = append(n.Children, convertPGNode(&pn.Plans[i]))
	}
	return n
}

func mapPGOp(nodeType string) OpType {
	switch nodeType {
	case "Seq Scan":
		return OpSeqScan
	case "Index Scan":
		return OpIndexScan
	case "Index Only Scan":
		return OpIndexOnlyScan
	case "Bitmap Heap Scan", "Bitmap Index Scan":
		return OpBitmapScan
	case "Nested Loop":
		return OpNestedLoop
	case "Hash Join":
		return OpHashJoin
	case "Merge Join":
		return OpMergeJoin
	case "Aggregate", "GroupAggregate", "HashAggregate", "Group":
		return OpAggregate
	case "Sort", "Incremental Sort":
		return OpSort
	case "Limit":
		return OpLimit
	case "Gather", "Gather Merge":
		return OpGather
	case "CTE Scan":
		return OpCTE
	case "Materialize", "Memoize":
		return OpMaterialize
	case "Hash":
		return OpHash
	case "WindowAgg":
		return OpWindow
	case "Result", "Append", "Subquery Scan":
		return OpFilter
	}
	return OpUnknown
}
