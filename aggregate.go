package geotile

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
)

// AggregateOp merges two property values. Operations are pure, they
// never mutate their operands.
type AggregateOp func(a, b interface{}) interface{}

// aggregateOps are the operations a load request can name.
// sum, min and max coerce non numeric operands to their identity
// element; min_string and max_string compare lexicographically and
// ignore non strings; and, or short circuit on truthiness and return
// one of the operands unchanged.
var aggregateOps = map[string]AggregateOp{
	"sum": func(a, b interface{}) interface{} {
		return numberOr(a, 0) + numberOr(b, 0)
	},
	"min": func(a, b interface{}) interface{} {
		return math.Min(numberOr(a, math.Inf(1)), numberOr(b, math.Inf(1)))
	},
	"max": func(a, b interface{}) interface{} {
		return math.Max(numberOr(a, math.Inf(-1)), numberOr(b, math.Inf(-1)))
	},
	"min_string": func(a, b interface{}) interface{} {
		as, aok := a.(string)
		bs, bok := b.(string)
		switch {
		case !aok:
			return b
		case !bok:
			return a
		case bs < as:
			return b
		default:
			return a
		}
	},
	"max_string": func(a, b interface{}) interface{} {
		as, aok := a.(string)
		bs, bok := b.(string)
		switch {
		case !aok:
			return b
		case !bok:
			return a
		case bs > as:
			return b
		default:
			return a
		}
	},
	"and": func(a, b interface{}) interface{} {
		if !Truthy(a) {
			return a
		}
		return b
	},
	"or": func(a, b interface{}) interface{} {
		if Truthy(a) {
			return a
		}
		return b
	},
}

// AggregateOpFor returns the named operation.
func AggregateOpFor(name string) (AggregateOp, error) {
	op, ok := aggregateOps[name]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown aggregate operation %q", name)
	}
	return op, nil
}

func numberOr(v interface{}, fallback float64) float64 {
	n, ok := toNumber(v)
	if !ok {
		return fallback
	}
	return n
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Truthy follows the usual scripting rules: nil, false, empty strings,
// zero and NaN are false, everything else including empty collections
// is true.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case float32:
		return t != 0
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint:
		return t != 0
	case uint32:
		return t != 0
	case uint64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	}
	return true
}

// ClusterNode is the accumulator's view of a point or cluster during a
// merge: how many raw points it stands for and its properties.
type ClusterNode interface {
	NumPoints() int
	Properties() geojson.Properties
}

type accumulatorRule struct {
	dest   string
	source string
	op     AggregateOp
}

// Accumulator merges cluster properties following a compiled aggregate
// mapping. It is immutable after construction and safe for concurrent
// use.
type Accumulator struct {
	rules []accumulatorRule
}

// NewAccumulator compiles an aggregates mapping of the form
// {destination: [operation, sourceProperty]}. A nil or empty mapping
// compiles to a nil accumulator.
func NewAccumulator(aggregates map[string][]string) (*Accumulator, error) {
	if len(aggregates) == 0 {
		return nil, nil
	}
	rules := make([]accumulatorRule, 0, len(aggregates))
	for dest, spec := range aggregates {
		if len(spec) != 2 {
			return nil, errors.Wrapf(ErrInvalidConfig,
				"aggregate %q wants [operation, property], got %d elements", dest, len(spec))
		}
		op, err := AggregateOpFor(spec[0])
		if err != nil {
			return nil, err
		}
		rules = append(rules, accumulatorRule{dest: dest, source: spec[1], op: op})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].dest < rules[j].dest })
	return &Accumulator{rules: rules}, nil
}

// Initialize derives the visible aggregate state of a single raw
// point: each destination starts from the rule's source property when
// the point carries it.
func (acc *Accumulator) Initialize(props geojson.Properties) geojson.Properties {
	out := make(geojson.Properties, len(acc.rules))
	for _, r := range acc.rules {
		if v, ok := props[r.source]; ok {
			out[r.dest] = v
		}
	}
	return out
}

// Reduce merges the aggregated properties of two nodes into a fresh
// map. A node standing for a single raw point is read at the rule's
// source property; a cluster is read at the destination property where
// its own aggregation accumulated. Neither operand is mutated.
func (acc *Accumulator) Reduce(a, b ClusterNode) geojson.Properties {
	out := make(geojson.Properties, len(acc.rules))
	for _, r := range acc.rules {
		out[r.dest] = r.op(ruleValue(a, r), ruleValue(b, r))
	}
	return out
}

func ruleValue(n ClusterNode, r accumulatorRule) interface{} {
	props := n.Properties()
	if n.NumPoints() == 1 {
		return props[r.source]
	}
	return props[r.dest]
}
