package rules

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Group operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// Leaf comparison operators.
const (
	CmpLT    = "<"
	CmpLTE   = "<="
	CmpGT    = ">"
	CmpGTE   = ">="
	CmpEQ    = "="
	CmpNEQ   = "!="
	CmpIn    = "IN"
	CmpNotIn = "NOT_IN"
)

// ConditionNode is one node of a rule's trigger condition tree. A node is
// either a group (Operator AND/OR with Children) or a leaf (Field, Operator,
// Value). The same Operator slot carries both kinds; IsGroup distinguishes
// them.
type ConditionNode struct {
	Operator string           `json:"operator,omitempty"`
	Children []*ConditionNode `json:"children,omitempty"`
	Field    string           `json:"field,omitempty"`
	Value    interface{}      `json:"value,omitempty"`
}

// IsGroup reports whether the node is an AND/OR group.
func (n *ConditionNode) IsGroup() bool {
	if n == nil {
		return false
	}
	return n.Operator == OpAnd || n.Operator == OpOr
}

// IsEmpty reports whether the node carries no evaluatable condition: a nil
// tree, a group with no children, or a leaf naming no field. An empty tree
// never activates; the integrity verifier flags it as an error.
func (n *ConditionNode) IsEmpty() bool {
	if n == nil {
		return true
	}
	if n.IsGroup() {
		return len(n.Children) == 0
	}
	return n.Field == ""
}

// Fields returns every field name referenced by any leaf in the tree, in
// depth-first order, without duplicates.
func (n *ConditionNode) Fields() []string {
	var out []string
	seen := make(map[string]bool)
	n.collectFields(seen, &out)
	return out
}

func (n *ConditionNode) collectFields(seen map[string]bool, out *[]string) {
	if n == nil {
		return
	}
	if n.IsGroup() {
		for _, child := range n.Children {
			child.collectFields(seen, out)
		}
		return
	}
	if n.Field != "" && !seen[n.Field] {
		seen[n.Field] = true
		*out = append(*out, n.Field)
	}
}

// ParseConditionTree decodes a JSON condition tree. Group operators are
// upper-cased so "and"/"or" feeds parse the same as "AND"/"OR". The empty
// string decodes to a nil tree.
func ParseConditionTree(raw string) (*ConditionNode, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var node ConditionNode
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, fmt.Errorf("parse condition tree: %w", err)
	}
	node.normalize()
	return &node, nil
}

func (n *ConditionNode) normalize() {
	if n == nil {
		return
	}
	upper := strings.ToUpper(n.Operator)
	if upper == OpAnd || upper == OpOr || len(n.Children) > 0 {
		n.Operator = upper
	}
	for _, child := range n.Children {
		child.normalize()
	}
}
