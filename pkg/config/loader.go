package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orchestra/pkg/model"
)

// Top level fields of a model document.
var documentFields = map[string]bool{
	"fabric":   true,
	"id":       true,
	"metadata": true,
	"agents":   true,
	"entries":  true,
}

// ModelLoader reads system model documents. Every source is turned into a
// CUE value and all sources are unified, so a model may be split across
// files and constrained by CUE definitions. Supported sources are YAML
// (.yaml, .yml), JSON, CUE files, Starlark scripts (.star) and directories
// holding a CUE package.
//
// Entries are given either as a list or as a struct keyed by
// agent:/mount/point, in which case the key fills a missing agent and
// mount point.
type ModelLoader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
	vars      map[string]any
}

// LoaderOption configures a ModelLoader.
type LoaderOption func(*ModelLoader)

// WithVars sets the values predeclared for Starlark model scripts.
func WithVars(vars map[string]any) LoaderOption {
	return func(l *ModelLoader) {
		l.vars = vars
	}
}

// WithStarlarkTimeout bounds the run time of a Starlark model script.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *ModelLoader) {
		l.starlark = NewStarlarkEvaluator(d)
	}
}

// NewModelLoader creates a model loader.
func NewModelLoader(opts ...LoaderOption) *ModelLoader {
	l := &ModelLoader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: validator.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the schema registry used for validation.
func (l *ModelLoader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load parses sources and builds the system model.
func (l *ModelLoader) Load(ctx context.Context, sources ...string) (*model.SystemModel, error) {
	pm, err := l.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	return pm.Model()
}

// Parse reads and unifies sources. Problems with the content are reported in
// ParsedModel.Errors; the error return is for unreadable sources.
func (l *ModelLoader) Parse(ctx context.Context, sources []string) (*ParsedModel, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	pm := &ParsedModel{ParsedAt: time.Now()}
	var unified cue.Value

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = l.loadDirectory(source)
			pm.SourceFiles = append(pm.SourceFiles, files...)
		} else {
			data, err := os.ReadFile(source)
			if err != nil {
				return nil, fmt.Errorf("failed to read source %s: %w", source, err)
			}
			val, errs = l.compile(ctx, source, data)
			pm.SourceFiles = append(pm.SourceFiles, source)
		}

		pm.Errors = append(pm.Errors, errs...)
		if !val.Exists() {
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}

	l.finish(ctx, pm, unified)
	return pm, nil
}

// ParseBytes parses one in-memory source. The format follows the extension
// of name.
func (l *ModelLoader) ParseBytes(ctx context.Context, name string, data []byte) *ParsedModel {
	pm := &ParsedModel{
		SourceFiles: []string{name},
		ParsedAt:    time.Now(),
	}
	val, errs := l.compile(ctx, name, data)
	pm.Errors = errs
	l.finish(ctx, pm, val)
	return pm
}

func (l *ModelLoader) finish(ctx context.Context, pm *ParsedModel, val cue.Value) {
	if pm.HasErrors() {
		return
	}
	if !val.Exists() {
		pm.Errors = append(pm.Errors, ValidationError{Message: "no model content", Severity: SeverityError})
		return
	}
	if err := val.Err(); err != nil {
		pm.Errors = append(pm.Errors, convertCUEErrors(err)...)
		return
	}

	doc, errs := l.extractDocument(val)
	pm.Errors = append(pm.Errors, errs...)
	if pm.HasErrors() {
		return
	}

	if err := l.validator.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			pm.Errors = append(pm.Errors, fromValidatorErrors("", verrs)...)
		} else {
			pm.Errors = append(pm.Errors, ValidationError{Message: err.Error(), Severity: SeverityError})
		}
		return
	}
	if err := l.schemas.ValidateDocument(ctx, doc); err != nil {
		pm.Errors = append(pm.Errors, convertCUEErrors(err)...)
		return
	}
	pm.Document = doc
}

// compile turns one source into a CUE value.
func (l *ModelLoader) compile(ctx context.Context, name string, data []byte) (cue.Value, []ValidationError) {
	var val cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".json":
		val = l.ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cue.Value{}, []ValidationError{{
				File:     name,
				Message:  fmt.Sprintf("invalid YAML: %v", err),
				Severity: SeverityError,
			}}
		}
		val = l.ctx.Encode(raw)
	case ".star":
		result, err := l.starlark.Evaluate(ctx, string(data), l.vars)
		if err != nil {
			return cue.Value{}, []ValidationError{{
				File:     name,
				Message:  err.Error(),
				Severity: SeverityError,
			}}
		}
		val = l.ctx.Encode(result.Output)
	default:
		return cue.Value{}, []ValidationError{{
			File:     name,
			Message:  fmt.Sprintf("unsupported model format %q", filepath.Ext(name)),
			Severity: SeverityError,
		}}
	}

	if err := val.Err(); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			if errs[i].File == "" {
				errs[i].File = name
			}
		}
		return cue.Value{}, errs
	}
	return val, nil
}

// loadDirectory loads a directory as a CUE package.
func (l *ModelLoader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: SeverityError,
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, files, convertCUEErrors(err)
	}
	return val, files, nil
}

func (l *ModelLoader) extractDocument(val cue.Value) (*model.Document, []ValidationError) {
	doc := &model.Document{}
	var errs []ValidationError
	decode := func(path string, target any) {
		v := val.LookupPath(cue.ParsePath(path))
		if !v.Exists() {
			return
		}
		if err := v.Decode(target); err != nil {
			errs = append(errs, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("failed to decode %s: %v", path, err),
				Severity: SeverityError,
			})
		}
	}
	decode("fabric", &doc.Fabric)
	decode("id", &doc.ID)
	decode("metadata", &doc.Metadata)
	decode("agents", &doc.Agents)

	if iter, err := val.Fields(); err == nil {
		for iter.Next() {
			name := iter.Selector().String()
			if !documentFields[name] {
				errs = append(errs, ValidationError{
					Path:     name,
					Message:  "unknown field is ignored",
					Severity: SeverityWarning,
				})
			}
		}
	}

	entries := val.LookupPath(cue.ParsePath("entries"))
	if !entries.Exists() {
		return doc, errs
	}
	switch entries.Kind() {
	case cue.StructKind:
		iter, err := entries.Fields()
		if err != nil {
			errs = append(errs, ValidationError{Path: "entries", Message: err.Error(), Severity: SeverityError})
			break
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			entry, err := l.extractEntry(key, iter.Value())
			if err != nil {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("entries[%q]", key),
					Message:  err.Error(),
					Severity: SeverityError,
				})
				continue
			}
			doc.Entries = append(doc.Entries, entry)
		}
	case cue.ListKind:
		list, err := entries.List()
		if err != nil {
			errs = append(errs, ValidationError{Path: "entries", Message: err.Error(), Severity: SeverityError})
			break
		}
		for i := 0; list.Next(); i++ {
			entry, err := l.extractEntry("", list.Value())
			if err != nil {
				errs = append(errs, ValidationError{
					Path:     fmt.Sprintf("entries[%d]", i),
					Message:  err.Error(),
					Severity: SeverityError,
				})
				continue
			}
			doc.Entries = append(doc.Entries, entry)
		}
	default:
		errs = append(errs, ValidationError{
			Path:     "entries",
			Message:  fmt.Sprintf("entries must be a list or a struct, got %s", entries.Kind()),
			Severity: SeverityError,
		})
	}
	return doc, errs
}

// extractEntry decodes one entry. A non empty key (agent:/mount/point) fills
// the agent and mount point left unset.
func (l *ModelLoader) extractEntry(key string, val cue.Value) (*model.SystemEntry, error) {
	var entry model.SystemEntry
	if err := val.Decode(&entry); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}

	if key != "" {
		k, err := model.ParseKey(key)
		if err != nil {
			return nil, err
		}
		if entry.Agent == "" {
			entry.Agent = k.Agent
		}
		if entry.MountPoint == "" {
			entry.MountPoint = k.MountPoint
		}
		if entry.Key() != k {
			return nil, fmt.Errorf("entry %s is declared under key %s", entry.Key(), k)
		}
	}

	if err := l.validator.Struct(&entry); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &entry, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: SeverityError,
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: SeverityError})
	}
	return out
}
