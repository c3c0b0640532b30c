package model

import (
	"fmt"
	"strings"
)

// Filter selects the entries of a model that take part in an operation.
type Filter interface {
	Match(entry *SystemEntry) bool
	String() string
}

// PropertyFilter matches entries whose flattened property equals Value.
type PropertyFilter struct {
	Name  string
	Value any
}

// Match implements Filter.
func (f PropertyFilter) Match(entry *SystemEntry) bool {
	v, ok := entry.Flatten()[f.Name]
	if !ok {
		return false
	}
	return ValuesEqual(v, f.Value) || fmt.Sprint(v) == fmt.Sprint(f.Value)
}

func (f PropertyFilter) String() string {
	return fmt.Sprintf("%s='%v'", f.Name, f.Value)
}

// TagsFilter matches entries carrying all (or any) of Tags.
type TagsFilter struct {
	Tags []string
	Any  bool
}

// Match implements Filter.
func (f TagsFilter) Match(entry *SystemEntry) bool {
	for _, t := range f.Tags {
		has := entry.HasTag(t)
		if f.Any && has {
			return true
		}
		if !f.Any && !has {
			return false
		}
	}
	return !f.Any || len(f.Tags) == 0
}

func (f TagsFilter) String() string {
	fn := "hasAll"
	if f.Any {
		fn = "hasAny"
	}
	return fmt.Sprintf("tags.%s('%s')", fn, strings.Join(f.Tags, ";"))
}

// LogicOp combines filters.
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
)

// LogicFilter combines several filters with and/or.
type LogicFilter struct {
	Op      LogicOp
	Filters []Filter
}

// Match implements Filter.
func (f LogicFilter) Match(entry *SystemEntry) bool {
	if f.Op == LogicOr {
		for _, sub := range f.Filters {
			if sub.Match(entry) {
				return true
			}
		}
		return len(f.Filters) == 0
	}
	for _, sub := range f.Filters {
		if !sub.Match(entry) {
			return false
		}
	}
	return true
}

func (f LogicFilter) String() string {
	parts := make([]string, 0, len(f.Filters))
	for _, sub := range f.Filters {
		parts = append(parts, sub.String())
	}
	return fmt.Sprintf("%s{%s}", f.Op, strings.Join(parts, ";"))
}

// NotFilter negates a filter.
type NotFilter struct {
	Filter Filter
}

// Match implements Filter.
func (f NotFilter) Match(entry *SystemEntry) bool {
	return !f.Filter.Match(entry)
}

func (f NotFilter) String() string {
	return fmt.Sprintf("not{%s}", f.Filter)
}

// FuncFilter adapts a function to a Filter.
type FuncFilter struct {
	Name string
	Fn   func(*SystemEntry) bool
}

// Match implements Filter.
func (f FuncFilter) Match(entry *SystemEntry) bool {
	return f.Fn(entry)
}

func (f FuncFilter) String() string {
	return f.Name
}

// And combines filters with a logical and, ignoring nil filters. It returns
// nil when no filter remains.
func And(filters ...Filter) Filter {
	var kept []Filter
	for _, f := range filters {
		if f == nil {
			continue
		}
		if lf, ok := f.(LogicFilter); ok && lf.Op == LogicAnd {
			kept = append(kept, lf.Filters...)
			continue
		}
		kept = append(kept, f)
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return LogicFilter{Op: LogicAnd, Filters: kept}
	}
}

// AgentFilter matches the entries of one agent.
func AgentFilter(agent string) Filter {
	return PropertyFilter{Name: KeyAgent, Value: agent}
}
