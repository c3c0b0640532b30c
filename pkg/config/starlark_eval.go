package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/orchestra/pkg/delta"
	"github.com/openfroyo/orchestra/pkg/model"
)

// maxFilterSteps bounds the work of one filter evaluation.
const maxFilterSteps = 100000

// StarlarkResult is the outcome of a Starlark script.
type StarlarkResult struct {
	// Output holds the public globals of the script.
	Output map[string]any `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}

// StarlarkEvaluator runs Starlark model scripts. A script describes a model
// by assigning the document fields (fabric, agents, entries, ...) as
// globals. Globals starting with an underscore and functions are private.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator cancelling scripts after timeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input predeclared and returns its globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]any) (*StarlarkResult, error) {
	start := time.Now()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "model",
		Print: func(*starlark.Thread, string) {},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	globals, err := starlark.ExecFile(thread, "model.star", script, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("starlark execution cancelled after %v: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]any, len(globals))
	for name, val := range globals {
		if name[0] == '_' {
			continue
		}
		switch val.(type) {
		case *starlark.Function, *starlark.Builtin:
			continue
		}
		gv, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = gv
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(start),
	}, nil
}

// StarlarkFilter selects entries with a Starlark boolean expression over the
// entry fields: agent, mountPoint, parent, entryState, script, tags,
// initParameters and metadata. For example:
//
//	"web" in tags and entryState == "running"
//	initParameters.get("replicas", 1) > 2
//
// An expression failing at run time does not match.
type StarlarkFilter struct {
	src  string
	expr syntax.Expr
}

var _ model.Filter = (*StarlarkFilter)(nil)

// NewStarlarkFilter compiles a filter expression.
func NewStarlarkFilter(src string) (*StarlarkFilter, error) {
	expr, err := syntax.ParseExpr("filter", src, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}
	return &StarlarkFilter{src: src, expr: expr}, nil
}

// Eval evaluates the expression for entry.
func (f *StarlarkFilter) Eval(entry *model.SystemEntry) (bool, error) {
	env, err := entryGlobals(entry)
	if err != nil {
		return false, err
	}
	thread := &starlark.Thread{Name: "filter"}
	thread.SetMaxExecutionSteps(maxFilterSteps)

	v, err := starlark.EvalExpr(thread, f.expr, env)
	if err != nil {
		return false, fmt.Errorf("filter %q on %s: %w", f.src, entry.Key(), err)
	}
	return bool(v.Truth()), nil
}

// Match implements model.Filter.
func (f *StarlarkFilter) Match(entry *model.SystemEntry) bool {
	ok, err := f.Eval(entry)
	return err == nil && ok
}

func (f *StarlarkFilter) String() string {
	return "starlark(" + f.src + ")"
}

// DeltaFilter restricts a delta computation to the pairs whose expected
// entry, or current entry when not expected, matches.
func (f *StarlarkFilter) DeltaFilter() delta.Filter {
	return delta.FilterFunc(func(expected, current *model.SystemEntry) bool {
		if expected != nil {
			return f.Match(expected)
		}
		return current != nil && f.Match(current)
	})
}

func entryGlobals(entry *model.SystemEntry) (starlark.StringDict, error) {
	tags := make([]any, len(entry.Tags))
	for i, t := range entry.Tags {
		tags[i] = t
	}
	fields := map[string]any{
		"agent":          entry.Agent,
		"mountPoint":     entry.MountPoint,
		"parent":         entry.ParentMountPoint(),
		"entryState":     entry.EntryState,
		"script":         entry.Script,
		"tags":           tags,
		"initParameters": entry.InitParameters,
		"metadata":       entry.Metadata,
	}
	env := make(starlark.StringDict, len(fields))
	for name, val := range fields {
		if m, ok := val.(map[string]any); ok && m == nil {
			val = map[string]any{}
		}
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("entry %s field %s: %w", entry.Key(), name, err)
		}
		env[name] = sv
	}
	return env, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]any, error) {
	out := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		item, err := fromStarlarkValue(x)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
