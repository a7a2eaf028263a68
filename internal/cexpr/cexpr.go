// Package cexpr implements the compiled boolean/comparison predicate tree
// compiled from a WHERE sub-tree.
package cexpr

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is a comparison or boolean operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpMatch // regex match against a string property
	OpAnd
	OpOr
	OpNot
)

// Entity is anything CExpr can evaluate a predicate against: a series, a
// server, a user, or a pool, accessed purely by named property.
type Entity interface {
	// Property returns the named property's value (string, int64, float64,
	// or bool) and whether the property is known on this entity.
	Property(name string) (interface{}, bool)
}

// Expr is one node of a compiled CExpr tree.
type Expr struct {
	Op       Op
	Prop     string      // property name, for comparison leaves
	Value    interface{} // rhs literal, for comparison leaves
	Children []*Expr     // operands, for And/Or/Not
	re       *regexp.Regexp
}

// Eval evaluates the expression against an entity. A comparison against a
// missing property evaluates false rather than erroring, matching
// WHERE-clause semantics where an absent column never matches.
func (e *Expr) Eval(ent Entity) bool {
	switch e.Op {
	case OpAnd:
		for _, c := range e.Children {
			if !c.Eval(ent) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range e.Children {
			if c.Eval(ent) {
				return true
			}
		}
		return false
	case OpNot:
		return !e.Children[0].Eval(ent)
	}

	v, ok := ent.Property(e.Prop)
	if !ok {
		return false
	}
	return compare(e.Op, v, e.Value, e.re)
}

func compare(op Op, lhs, rhs interface{}, re *regexp.Regexp) bool {
	if op == OpMatch {
		s, ok := lhs.(string)
		return ok && re != nil && re.MatchString(s)
	}

	switch l := lhs.(type) {
	case string:
		r, ok := rhs.(string)
		if !ok {
			return false
		}
		return compareOrdered(op, strings.Compare(l, r))
	case int64:
		r, ok := toInt64(rhs)
		if !ok {
			return false
		}
		return compareOrdered(op, cmpInt64(l, r))
	case float64:
		r, ok := toFloat64(rhs)
		if !ok {
			return false
		}
		return compareOrdered(op, cmpFloat64(l, r))
	case bool:
		r, ok := rhs.(bool)
		if !ok {
			return false
		}
		if op == OpEq {
			return l == r
		}
		if op == OpNe {
			return l != r
		}
		return false
	default:
		return false
	}
}

func compareOrdered(op Op, sign int) bool {
	switch op {
	case OpEq:
		return sign == 0
	case OpNe:
		return sign != 0
	case OpLt:
		return sign < 0
	case OpLe:
		return sign <= 0
	case OpGt:
		return sign > 0
	case OpGe:
		return sign >= 0
	default:
		return false
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Cmp builds a leaf comparison node: `prop <op> value`.
func Cmp(op Op, prop string, value interface{}) *Expr {
	return &Expr{Op: op, Prop: prop, Value: value}
}

// Match builds a regex-match leaf node: `prop =~ pattern`.
func Match(prop, pattern string) (*Expr, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("cexpr: compile pattern %q: %w", pattern, err)
	}
	return &Expr{Op: OpMatch, Prop: prop, re: re}, nil
}

// And builds a conjunction of its operands.
func And(children ...*Expr) *Expr { return &Expr{Op: OpAnd, Children: children} }

// Or builds a disjunction of its operands.
func Or(children ...*Expr) *Expr { return &Expr{Op: OpOr, Children: children} }

// Not negates its single operand.
func Not(child *Expr) *Expr { return &Expr{Op: OpNot, Children: []*Expr{child}} }

// Depth reports the tree's nesting depth, used to enforce a bound on
// compiled WHERE expressions and reject pathologically nested clauses.
func (e *Expr) Depth() int {
	if len(e.Children) == 0 {
		return 1
	}
	max := 0
	for _, c := range e.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// MaxWhereDepth bounds compiled WHERE expressions.
const MaxWhereDepth = 32

// ErrWhereTooDeep is returned by a compiler when a WHERE expression nests
// beyond MaxWhereDepth.
var ErrWhereTooDeep = fmt.Errorf("cexpr: where expression exceeds max depth %d", MaxWhereDepth)
