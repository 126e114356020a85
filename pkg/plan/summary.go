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
	"fmt"
	"sort"
	"strings"
)

// Explanation is a prose rendering of a plan for operators, produced
// locally without the completion service.
type Explanation struct {
	Explanation   string   `json:"explanation"`
	Summary       string   `json:"summary"`
	KeyOperations []string `json:"key_operations"`
	Bottlenecks   []string `json:"bottlenecks"`
	EstimatedCost float64  `json:"estimated_cost,omitempty"`
}

var opProse = map[OpType]string{
	OpSeqScan:       "reads the whole table",
	OpIndexScan:     "walks an index to matching rows",
	OpIndexOnlyScan: "answers from the index alone",
	OpBitmapScan:    "collects matching pages via a bitmap",
	OpNestedLoop:    "probes the inner side once per outer row",
	OpHashJoin:      "builds a hash table on one side and probes it",
	OpMergeJoin:     "merges two sorted inputs",
	OpAggregate:     "groups and aggregates rows",
	OpSort:          "sorts its input",
	OpLimit:         "stops after the requested row count",
	OpGather:        "combines parallel worker output",
	OpCTE:           "scans a common table expression",
	OpMaterialize:   "buffers its input for reuse",
	OpWindow:        "computes window functions",
}

// Explain walks the tree and names the operations that dominate the plan.
func Explain(p *Plan) *Explanation {
	e := &Explanation{EstimatedCost: p.TotalCost()}
	if p == nil || p.Root == nil {
		e.Summary = "no plan available"
		return e
	}

	type opStat struct {
		node *Node
		path string
	}
	var scans, joins []opStat
	var lines []string
	p.WalkPath(func(n *Node, path string) {
		prose, ok := opProse[n.OpType]
		if !ok {
			return
		}
		desc := string(n.OpType)
		if n.Relation != "" {
			desc = fmt.Sprintf("%s on %s", n.OpType, n.Relation)
		}
		lines = append(lines, fmt.Sprintf("%s: %s (est. %.0f rows)", desc, prose, n.EstRows))
		switch n.OpType {
		case OpSeqScan, OpIndexScan, OpIndexOnlyScan, OpBitmapScan:
			scans = append(scans, opStat{n, path})
		case OpNestedLoop, OpHashJoin, OpMergeJoin:
			joins = append(joins, opStat{n, path})
		}
	})
	e.KeyOperations = lines

	// Bottlenecks: the widest scans and the joins above them.
	sort.Slice(scans, func(i, j int) bool { return scans[i].node.EstRows > scans[j].node.EstRows })
	for i, s := range scans {
		if i >= 3 || s.node.EstRows < 1000 {
			break
		}
		target := s.node.Relation
		if target == "" {
			target = s.path
		}
		e.Bottlenecks = append(e.Bottlenecks,
			fmt.Sprintf("%s over %s touches an estimated %.0f rows", s.node.OpType, target, s.node.EstRows))
	}
	for _, j := range joins {
		if j.node.OpType == OpNestedLoop && j.node.EstRows > 10000 {
			e.Bottlenecks = append(e.Bottlenecks,
				fmt.Sprintf("nested loop join produces an estimated %.0f rows", j.node.EstRows))
		}
	}

	e.Summary = fmt.Sprintf("%d operations, %d scans, %d joins, estimated cost %.1f",
		len(lines), len(scans), len(joins), e.EstimatedCost)
	e.Explanation = strings.Join(lines, "\n")
	return e
}
