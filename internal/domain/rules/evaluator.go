package rules

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Evaluate resolves a condition tree against an observation map. It is total:
// any tree and any observation map produce a boolean, never an error. An
// absent or nil observation makes its leaf false, and a malformed leaf
// (unknown operator, non-list value for IN/NOT_IN) is false as well; those
// defects are surfaced by the integrity verifier, not here.
func Evaluate(node *ConditionNode, obs Observations) bool {
	if node.IsEmpty() {
		return false
	}
	if node.IsGroup() {
		return evaluateGroup(node, obs)
	}
	return evaluateLeaf(node, obs)
}

func evaluateGroup(node *ConditionNode, obs Observations) bool {
	switch node.Operator {
	case OpAnd:
		for _, child := range node.Children {
			if !Evaluate(child, obs) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range node.Children {
			if Evaluate(child, obs) {
				return true
			}
		}
		return false
	}
	return false
}

func evaluateLeaf(node *ConditionNode, obs Observations) bool {
	observed, ok := obs[node.Field]
	if !ok || observed == nil {
		return false
	}

	switch node.Operator {
	case CmpLT, CmpLTE, CmpGT, CmpGTE:
		left, leftOK := toFloat(observed)
		right, rightOK := toFloat(node.Value)
		if !leftOK || !rightOK {
			return false
		}
		switch node.Operator {
		case CmpLT:
			return left < right
		case CmpLTE:
			return left <= right
		case CmpGT:
			return left > right
		default:
			return left >= right
		}
	case CmpEQ:
		return scalarString(observed) == scalarString(node.Value)
	case CmpNEQ:
		return scalarString(observed) != scalarString(node.Value)
	case CmpIn:
		set, ok := toSet(node.Value)
		if !ok {
			return false
		}
		return set[scalarString(observed)]
	case CmpNotIn:
		set, ok := toSet(node.Value)
		if !ok {
			return false
		}
		return !set[scalarString(observed)]
	}
	return false
}

// ExtractTriggerSnapshot walks every leaf of the tree, matched or not, and
// returns the subset of the observation map referenced by the tree. Used to
// populate Alert.TriggerSnapshot for audit and explainability.
func ExtractTriggerSnapshot(node *ConditionNode, obs Observations) map[string]interface{} {
	snapshot := make(map[string]interface{})
	for _, field := range node.Fields() {
		if v, ok := obs[field]; ok {
			snapshot[field] = v
		}
	}
	return snapshot
}

// toFloat coerces the numeric types JSON decoding and Go callers produce.
// Numeric strings coerce too, since CSV feeds carry thresholds as text.
func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// scalarString renders a scalar for identity comparison. Floats that carry
// integral values print without a fractional part so 150 and 150.0 compare
// equal across JSON and CSV sources.
func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	}
	return ""
}

// toSet materializes a leaf value as a membership set. Returns false when
// the value is not a list, which makes IN and NOT_IN leaves false.
func toSet(v interface{}) (map[string]bool, bool) {
	set := make(map[string]bool)
	switch xs := v.(type) {
	case []interface{}:
		for _, x := range xs {
			set[scalarString(x)] = true
		}
	case []string:
		for _, x := range xs {
			set[x] = true
		}
	default:
		return nil, false
	}
	return set, true
}
