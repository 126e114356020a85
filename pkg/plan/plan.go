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

// Package plan defines the cross-engine execution plan representation.
// Every engine's native plan output is mapped into one PlanNode tree with
// a controlled operator vocabulary so the issue detectors stay pure and
// engine-agnostic.
package plan

import (
	"encoding/json"

	"github.com/dbpulse/dbpulse/pkg/model"
)

// OpType is the controlled operator vocabulary.
type OpType string

const (
	OpSeqScan       OpType = "SEQ_SCAN"
	OpIndexScan     OpType = "INDEX_SCAN"
	OpIndexOnlyScan OpType = "INDEX_ONLY_SCAN"
	OpBitmapScan    OpType = "BITMAP_SCAN"
	OpNestedLoop    OpType = "NESTED_LOOP"
	OpHashJoin      OpType = "HASH_JOIN"
	OpMergeJoin     OpType = "MERGE_JOIN"
	OpAggregate     OpType = "AGGREGATE"
	OpSort          OpType = "SORT"
	OpLimit         OpType = "LIMIT"
	OpGather        OpType = "GATHER"
	OpCTE           OpType = "CTE"
	OpMaterialize   OpType = "MATERIALIZE"
	OpHash          OpType = "HASH"
	OpFilter        OpType = "FILTER"
	OpWindow        OpType = "WINDOW"
	OpUnknown       OpType = "UNKNOWN"
)

// Node is one operator in a normalized plan tree.
type Node struct {
	OpType     OpType         `json:"op_type"`
	Relation   string         `json:"relation,omitempty"`
	IndexName  string         `json:"index_name,omitempty"`
	EstCost    float64        `json:"est_cost"`
	EstRows    float64        `json:"est_rows"`
	ActualRows float64        `json:"actual_rows"`
	// HasActual is true when the plan was captured with analyze and the
	// node carries measured row counts.
	HasActual bool           `json:"has_actual"`
	Width     int            `json:"width,omitempty"`
	Filter    string         `json:"filter,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	Children  []*Node        `json:"children,omitempty"`
}

// Plan couples the normalized tree with the engine-native form.
type Plan struct {
	Engine model.Engine    `json:"engine"`
	Root   *Node           `json:"root"`
	Native json.RawMessage `json:"native,omitempty"`
	// Analyzed is true when actual row counts were collected.
	Analyzed bool `json:"analyzed"`
	// Metrics carries buffer and timing counters when the engine
	// exposes them with analyze.
	Metrics model.PerformanceMetrics `json:"metrics,omitempty"`
}

// Walk visits every node depth-first, parents before children.
func (p *Plan) Walk(fn func(n *Node, depth int)) {
	if p == nil || p.Root == nil {
		return
	}
	var rec func(n *Node, depth int)
	rec = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			rec(c, depth+1)
		}
	}
	rec(p.Root, 0)
}

// Walk visits this node and its subtree depth-first.
func (n *Node) Walk(fn func(n *Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// WalkPath visits every node with its path from the root, e.g.
// "HASH_JOIN/SEQ_SCAN".
func (p *Plan) WalkPath(fn func(n *Node, path string)) {
	if p == nil || p.Root == nil {
		return
	}
	var rec func(n *Node, path string)
	rec = func(n *Node, path string) {
		fn(n, path)
		for _, c := range n.Children {
			rec(c, path+"/"+string(c.OpType))
		}
	}
	rec(p.Root, string(p.Root.OpType))
}

// TotalCost returns the root's estimated cost.
func (p *Plan) TotalCost() float64 {
	if p == nil || p.Root == nil {
		return 0
	}
	return p.Root.EstCost
}

// MarshalJSON of the tree is the canonical plan snapshot stored on
// optimizations.
func (p *Plan) Snapshot() ([]byte, error) {
	return json.Marshal(p)
}

// FromSnapshot validates and decodes a stored plan snapshot.
func FromSnapshot(raw []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
