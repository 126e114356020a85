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
	"strconv"
	"strings"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// ParseMySQL maps EXPLAIN FORMAT=JSON output into the normalized tree.
// MySQL's JSON plan is a nested object keyed by operation names rather
// than a uniform node list, so the mapping walks known keys.
func ParseMySQL(raw []byte) (*Plan, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse mysql plan: %w", err)
	}
	qb, ok := doc["query_block"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse mysql plan: missing query_block")
	}
	root := convertMySQLBlock(qb)
	if root == nil {
		root = &Node{OpType: OpUnknown}
	}
	return &Plan{
		Engine: model.EngineMySQL,
		Root:   root,
		Native: json.RawMessage(raw),
	}, nil
}

func convertMySQLBlock(block map[string]any) *Node {
	// Wrapping operations nest the real access path.
	for key, op := range map[string]OpType{
		"ordering_operation":  OpSort,
		"grouping_operation":  OpAggregate,
		"windowing":           OpWindow,
		"duplicates_removal":  OpAggregate,
	} {
		if inner, ok := block[key].(map[string]any); ok {
			n := &Node{OpType: op, EstCost: mysqlCost(block)}
			if child := convertMySQLBlock(inner); child != nil {
				n.Children = append(n.Children, child)
			}
			return n
		}
	}
	if nl, ok := block["nested_loop"].([]any); ok {
		n := &Node{OpType: OpNestedLoop, EstCost: mysqlCost(block)}
		for _, item := range nl {
			if m, ok := item.(map[string]any); ok {
				if t, ok := m["table"].(map[string]any); ok {
					n.Children = append(n.Children, convertMySQLTable(t))
				}
			}
		}
		return n
	}
	if t, ok := block["table"].(map[string]any); ok {
		return convertMySQLTable(t)
	}
	return nil
}

func convertMySQLTable(t map[string]any) *Node {
	n := &Node{
		Relation: strings.ToLower(str(t["table_name"])),
		EstRows:  num(t["rows_examined_per_scan"]),
		EstCost:  mysqlCost(t),
	}
	switch str(t["access_type"]) {
	case "ALL":
		n.OpType = OpSeqScan
	case "index":
		n.OpType = OpIndexOnlyScan
	case "range", "ref", "eq_ref", "const":
		n.OpType = OpIndexScan
		n.IndexName = strings.ToLower(str(t["key"]))
	default:
		n.OpType = OpUnknown
	}
	if cond := str(t["attached_condition"]); cond != "" {
		n.Filter = cond
	}
	return n
}

func mysqlCost(m map[string]any) float64 {
	ci, ok := m["cost_info"].(map[string]any)
	if !ok {
		return 0
	}
	for _, key := range []string{"query_cost", "read_cost", "prefix_cost"} {
		if v, ok := ci[key]; ok {
			return num(v)
		}
	}
	return 0
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
