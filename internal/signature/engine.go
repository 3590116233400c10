// Package signature assigns ground-truth labels to capture rows from
// ordered rule lists whose predicates are CEL expressions over the row's
// columns.
package signature

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true, "break": true,
	"const": true, "continue": true, "else": true, "for": true, "function": true, "if": true,
	"import": true, "let": true, "loop": true, "package": true, "namespace": true,
	"return": true, "var": true, "void": true, "while": true,
}

// Engine compiles rule predicates against a fixed column set. Every usable
// column is declared as a dynamically typed variable; a predicate naming a
// column the table does not have fails to compile.
type Engine struct {
	env   *cel.Env
	index map[string]int
}

// NewEngine creates an engine for tables with the given header.
func NewEngine(columns []string) (*Engine, error) {
	index := make(map[string]int, len(columns))
	opts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
		cel.Function("present",
			cel.Overload("present_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(present))),
		cel.Function("in_cidr",
			cel.Overload("in_cidr_dyn_string", []*cel.Type{cel.DynType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(inCIDR))),
	}
	for i, c := range columns {
		if !identRe.MatchString(c) || reserved[c] {
			continue
		}
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("signature: duplicate column %q", c)
		}
		index[c] = i
		opts = append(opts, cel.Variable(c, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("signature: error creating CEL environment: %w", err)
	}
	return &Engine{env: env, index: index}, nil
}

// Program is a rule list compiled for one column set.
type Program struct {
	index map[string]int
	width int
	rules []compiledRule
}

type compiledRule struct {
	Rule
	label   models.Label
	program cel.Program
}

// Compile checks and compiles rules in order.
func (e *Engine) Compile(rules []Rule) (*Program, error) {
	p := &Program{index: e.index, rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("signature: rule %d: %w", i, err)
		}
		label, _ := models.ParseLabel(r.Label)

		ast, issues := e.env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("signature: rule %d (%s): %w", i, r.Label, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("signature: rule %d (%s): predicate is %s, not bool", i, r.Label, ast.OutputType())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("signature: rule %d (%s): %w", i, r.Label, err)
		}
		p.rules = append(p.rules, compiledRule{Rule: r, label: label, program: prg})
	}
	return p, nil
}

// Labels evaluates the program over rows and returns one label per row.
// Every row starts as normal. Rules run in list order, each over rows
// [0, Scope) or all rows when Scope is 0, and a match overwrites whatever
// an earlier rule assigned. A predicate that errors on a row (for example
// a type mismatch) does not match that row.
func (p *Program) Labels(ctx context.Context, rows [][]any) ([]models.Label, error) {
	labels := make([]models.Label, len(rows))
	log := logging.LabelLogger()

	for ri, r := range p.rules {
		end := len(rows)
		if r.Scope > 0 && r.Scope < end {
			end = r.Scope
		}

		var matched, failed int
		for i := 0; i < end; i++ {
			if i%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			out, _, err := r.program.Eval(rowActivation{index: p.index, row: rows[i]})
			if err != nil {
				failed++
				continue
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				labels[i] = r.label
				matched++
			}
		}

		log.Debug("rule applied",
			"rule", ri,
			"label", r.Label,
			"scope", r.Scope,
			logging.Count("matched", int64(matched)),
		)
		if failed > 0 {
			log.Warn("predicate errors treated as no match",
				"rule", ri,
				"label", r.Label,
				logging.Count("rows", int64(failed)),
			)
		}
	}
	return labels, nil
}

// Apply compiles rules against t's header, labels every row and stores the
// label names in t's label column, replacing any existing values.
func Apply(ctx context.Context, t *models.Table, rules []Rule) ([]models.Label, error) {
	eng, err := NewEngine(t.Columns)
	if err != nil {
		return nil, err
	}
	prog, err := eng.Compile(rules)
	if err != nil {
		return nil, err
	}
	labels, err := prog.Labels(ctx, t.Rows)
	if err != nil {
		return nil, err
	}

	idx := t.AddColumn(models.LabelColumn, models.LabelNormal.String())
	counts := make(map[models.Label]uint64)
	for i, l := range labels {
		t.Rows[i][idx] = l.String()
		counts[l]++
	}
	for l, n := range counts {
		metrics.LabelsAssigned.WithLabels(l.String()).Add(n)
	}
	return labels, nil
}

// rowActivation resolves column variables against one table row without
// building a map per row.
type rowActivation struct {
	index map[string]int
	row   []any
}

func (a rowActivation) ResolveName(name string) (any, bool) {
	i, ok := a.index[name]
	if !ok || i >= len(a.row) {
		return nil, false
	}
	if a.row[i] == nil {
		return types.NullValue, true
	}
	return a.row[i], true
}

func (a rowActivation) Parent() interpreter.Activation {
	return nil
}

// present reports whether a cell holds a value.
func present(v ref.Val) ref.Val {
	switch x := v.(type) {
	case types.Null:
		return types.False
	case types.String:
		return types.Bool(x != "")
	}
	return types.True
}

var prefixes sync.Map // string -> netip.Prefix

// inCIDR reports whether addr is an IPv4 string inside network. Any other
// address value is simply not contained.
func inCIDR(addr, network ref.Val) ref.Val {
	s, ok := addr.(types.String)
	if !ok {
		return types.False
	}
	a, err := netip.ParseAddr(string(s))
	if err != nil || !a.Is4() {
		return types.False
	}

	n := string(network.(types.String))
	var prefix netip.Prefix
	if cached, ok := prefixes.Load(n); ok {
		prefix = cached.(netip.Prefix)
	} else {
		prefix, err = netip.ParsePrefix(n)
		if err != nil {
			return types.NewErr("in_cidr: invalid network %q", n)
		}
		prefixes.Store(n, prefix)
	}
	return types.Bool(prefix.Contains(a))
}
