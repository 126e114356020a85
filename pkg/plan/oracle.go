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
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// PlanTableRow is one PLAN_TABLE row produced by EXPLAIN PLAN FOR.
type PlanTableRow struct {
	ID          int     `json:"id"`
	ParentID    *int    `json:"parent_id"`
	Operation   string  `json:"operation"`
	Options     string  `json:"options"`
	ObjectName  string  `json:"object_name"`
	Cardinality float64 `json:"cardinality"`
	Cost        float64 `json:"cost"`
}

// ParseOracle builds the normalized tree from PLAN_TABLE rows using the
// ID/PARENT_ID columns.
func ParseOracle(rows []PlanTableRow) (*Plan, error) {
	nodes := map[int]*Node{}
	var root *Node
	for _, r := range rows {
		n := &Node{
			OpType:   mapOracleOp(r.Operation, r.Options),
			Relation: strings.ToLower(r.ObjectName),
			EstRows:  r.Cardinality,
			EstCost:  r.Cost,
		}
		nodes[r.ID] = n
		if r.ParentID == nil {
			root = n
			continue
		}
		if parent, ok := nodes[*r.ParentID]; ok {
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
		Engine: model.EngineOracle,
		Root:   root,
		Native: native,
	}, nil
}

func mapOracleOp(operation, options string) OpType {
	op := strings.ToUpper(operation)
	opt := strings.ToUpper(options)
	switch {
	case op == "TABLE ACCESS" && strings.Contains(opt, "FULL"):
		return OpSeqScan
	case op == "TABLE ACCESS":
		return OpIndexScan
	case op == "INDEX" && strings.Contains(opt, "FULL SCAN"):
		return OpIndexOnlyScan
	case op == "INDEX":
		return OpIndexScan
	case op == "NESTED LOOPS":
		return OpNestedLoop
	case op == "HASH JOIN":
		return OpHashJoin
	case op == "MERGE JOIN":
		return OpMergeJoin
	case strings.Contains(op, "GROUP BY") || op == "SORT" && strings.Contains(opt, "AGGREGATE"):
		return OpAggregate
	case op == "SORT":
		return OpSort
	case op == "COUNT" && strings.Contains(opt, "STOPKEY"):
		return OpLimit
	case op == "PX COORDINATOR" || strings.HasPrefix(op, "PX "):
		return OpGather
	case op == "TEMP TABLE TRANSFORMATION":
		return OpCTE
	case op == "BUFFER" || op == "MATERIALIZED VIEW ACCESS":
		return OpMaterialize
	case op == "FILTER":
		return OpFilter
	case op == "WINDOW":
		return OpWindow
	case op == "SELECT STATEMENT":
		return OpFilter
	}
	return OpUnknown
}
