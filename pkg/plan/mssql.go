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
	"regexp"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// ShowplanRow is one row of SET SHOWPLAN_ALL output. The gateway reads the
// tabular estimated plan because parsing it does not require executing the
// statement.
type ShowplanRow struct {
	StmtText     string  `json:"stmt_text"`
	NodeID       int     `json:"node_id"`
	Parent       int     `json:"parent"`
	PhysicalOp   string  `json:"physical_op"`
	LogicalOp    string  `json:"logical_op"`
	Argument     string  `json:"argument"`
	EstimateRows float64 `json:"estimate_rows"`
	TotalSubtree float64 `json:"total_subtree_cost"`
}

var reMSSQLObject = regexp.MustCompile(`OBJECT:\(\[?[^\]\s.]*\]?\.?\[?([^\]\s),]+)\]?`)

// ParseMSSQL builds the normalized tree from SHOWPLAN_ALL rows using the
// NodeId/Parent columns.
func ParseMSSQL(rows []ShowplanRow) (*Plan, error) {
	nodes := map[int]*Node{}
	var root *Node
	for _, r := range rows {
		if r.PhysicalOp == "" {
			continue
		}
		n := &Node{
			OpType:  mapMSSQLOp(r.PhysicalOp),
			EstRows: r.EstimateRows,
			EstCost: r.TotalSubtree,
			Filter:  r.Argument,
		}
		if m := reMSSQLObject.FindStringSubmatch(r.Argument); m != nil {
			n.Relation = strings.ToLower(m[1])
		}
		nodes[r.NodeID] = n
		if parent, ok := nodes[r.Parent]; ok {
			parent.Children = append(parent.Children, n)
		} else if root == nil {
			root = n
		}
	}
	if root == nil {
		root = &Node{OpType: OpUnknown}
	}
	native, _ := json.Marshal(rows)
	return &Plan{
		Engine: model.EngineMSSQL,
		Root:   root,
		Native: native,
	}, nil
}

func mapMSSQLOp(physicalOp string) OpType {
	switch physicalOp {
	case "Table Scan", "Clustered Index Scan":
		return OpSeqScan
	case "Index Seek", "Clustered Index Seek":
		return OpIndexScan
	case "Index Scan":
		return OpIndexOnlyScan
	case "Nested Loops":
		return OpNestedLoop
	case "Hash Match":
		return OpHashJoin
	case "Merge Join":
		return OpMergeJoin
	case "Stream Aggregate", "Hash Aggregate":
		return OpAggregate
	case "Sort":
		return OpSort
	case "Top":
		return OpLimit
	case "Parallelism":
		return OpGather
	case "Table Spool", "Index Spool":
		return OpMaterialize
	case "Filter":
		return OpFilter
	case "Window Aggregate", "Window Spool":
		return OpWindow
	case "Compute Scalar":
		return OpFilter
	}
	return OpUnknown
}
