package verify

import (
	"fmt"
	"strings"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

// GroupOp combines the children of a group.
type GroupOp string

const (
	OpAnd GroupOp = "AND"
	OpOr  GroupOp = "OR"
)

// Node is an expression tree node: *LeafNode or *GroupNode.
type Node interface {
	// Leaves returns the leaves below the node in left-to-right order.
	Leaves() []*LeafNode
	String() string
}

// LeafNode wraps one condition.
type LeafNode struct {
	Cond Condition
}

// Leaves implements Node.
func (l *LeafNode) Leaves() []*LeafNode { return []*LeafNode{l} }

func (l *LeafNode) String() string { return l.Cond.String() }

// With returns a copy of the leaf with layer merged over its config.
func (l *LeafNode) With(layer config.Layer) *LeafNode {
	c := l.Cond
	c.Config = config.Merge(c.Config, layer)
	return &LeafNode{Cond: c}
}

// GroupNode folds its children with Op.
type GroupNode struct {
	Op       GroupOp
	Children []Node
}

// Leaves implements Node.
func (g *GroupNode) Leaves() []*LeafNode {
	var out []*LeafNode
	for _, c := range g.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

func (g *GroupNode) String() string {
	parts := make([]string, 0, len(g.Children))
	for _, c := range g.Children {
		parts = append(parts, "("+c.String()+")")
	}
	return strings.Join(parts, " "+string(g.Op)+" ")
}

// Leaf builds a leaf node.
func Leaf(parameter string, cmp Comparator, expected ...any) *LeafNode {
	return &LeafNode{Cond: Condition{Parameter: parameter, Comparator: cmp, Expected: expected}}
}

// And builds an AND group.
func And(children ...Node) *GroupNode {
	return &GroupNode{Op: OpAnd, Children: children}
}

// Or builds an OR group.
func Or(children ...Node) *GroupNode {
	return &GroupNode{Op: OpOr, Children: children}
}

// Validate checks every leaf and rejects empty groups.
func Validate(n Node) error {
	switch t := n.(type) {
	case *LeafNode:
		return t.Cond.Validate()
	case *GroupNode:
		if len(t.Children) == 0 {
			return engine.NewSyntaxError("empty condition group", nil).WithCode(engine.ErrCodeArguments)
		}
		if t.Op != OpAnd && t.Op != OpOr {
			return engine.NewSyntaxError(fmt.Sprintf("unknown group operator %q", t.Op), nil).WithCode(engine.ErrCodeArguments)
		}
		for _, c := range t.Children {
			if err := Validate(c); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return engine.NewSyntaxError("missing condition", nil).WithCode(engine.ErrCodeArguments)
	}
	return engine.NewSyntaxError(fmt.Sprintf("unsupported node %T", n), nil).WithCode(engine.ErrCodeArguments)
}

// Parse builds a tree from a nested list definition.
//
// A leaf is [name, op, value], [name, op, low, high], or either followed by
// a map of options. A group is a list of leaves and groups, optionally headed
// by "AND" or "OR" (AND when omitted). defaults is merged under every leaf's
// own options.
func Parse(def any, defaults config.Layer) (Node, error) {
	list, ok := def.([]any)
	if !ok {
		return nil, parseError("condition definition must be a list, got %T", def)
	}
	if isLeaf(list) {
		return parseLeaf(list, defaults)
	}
	return parseGroup(list, defaults)
}

func parseError(format string, args ...any) error {
	return engine.NewSyntaxError(fmt.Sprintf(format, args...), nil).WithCode(engine.ErrCodeArguments)
}

func groupMarker(v any) (GroupOp, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch GroupOp(strings.ToUpper(s)) {
	case OpAnd:
		return OpAnd, true
	case OpOr:
		return OpOr, true
	}
	return "", false
}

// isLeaf recognizes [name, op, ...] where op is a known comparator.
func isLeaf(list []any) bool {
	if len(list) < 3 {
		return false
	}
	name, ok := list[0].(string)
	if !ok {
		return false
	}
	if _, marker := groupMarker(name); marker {
		return false
	}
	op, ok := list[1].(string)
	if !ok {
		return false
	}
	_, err := ParseComparator(op)
	return err == nil
}

func parseLeaf(list []any, defaults config.Layer) (*LeafNode, error) {
	name := list[0].(string)
	cmp, err := ParseComparator(list[1].(string))
	if err != nil {
		return nil, err
	}

	values := list[2:]
	layer := defaults
	if m, ok := values[len(values)-1].(map[string]any); ok {
		own, err := config.FromMap(m)
		if err != nil {
			return nil, fmt.Errorf("condition on %s: %w", name, err)
		}
		layer = config.Merge(defaults, own)
		values = values[:len(values)-1]
	}

	cond := Condition{Parameter: name, Comparator: cmp, Expected: values, Config: layer}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return &LeafNode{Cond: cond}, nil
}

func parseGroup(list []any, defaults config.Layer) (*GroupNode, error) {
	g := &GroupNode{Op: OpAnd}
	items := list
	if len(items) > 0 {
		if op, ok := groupMarker(items[0]); ok {
			g.Op = op
			items = items[1:]
		}
	}
	if len(items) == 0 {
		return nil, parseError("empty condition group")
	}

	for i, item := range items {
		sub, ok := item.([]any)
		if !ok {
			return nil, parseError("group element %d must be a list, got %T", i, item)
		}
		child, err := Parse(sub, defaults)
		if err != nil {
			return nil, err
		}
		g.Children = append(g.Children, child)
	}
	return g, nil
}
