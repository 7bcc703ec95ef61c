package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/reza/kalda/pkg/llm"
)

// Registry is the default Executor. Tools register a Definition; arguments
// are validated against the declared parameter schema before the handler
// runs, and handler panics are converted into failed Results.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		defs:    make(map[string]Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds a tool definition. Registering a name twice replaces the
// previous definition.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	schemaDoc, err := json.Marshal(def.Spec().Function.Parameters)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", def.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaDoc))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.schemas[def.Name] = schema
	r.logger.Debug().Str("tool", def.Name).Msg("tool registered")
	return nil
}

// MustRegister is Register that panics on error, for static tool tables.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Specs returns the wire catalog of all registered tools, ordered by name.
func (r *Registry) Specs() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		specs = append(specs, r.defs[name].Spec())
	}
	return specs
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Execute runs the named tool. Unknown tools, invalid arguments, handler
// errors and handler panics all come back as failed Results so the agent
// loop can relay them to the model instead of crashing the turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) (res Result) {
	r.mu.RLock()
	def, ok := r.defs[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return Result{Success: false, Output: fmt.Sprintf("unknown tool: %s", name)}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := r.validateArgs(schema, args); err != nil {
		return Result{Success: false, Output: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("tool", name).Interface("panic", rec).Msg("tool handler panicked")
			res = Result{Success: false, Output: fmt.Sprintf("tool %s panicked: %v", name, rec)}
		}
	}()

	out, err := def.Handler(ctx, args, ec)
	if err != nil {
		return Result{Success: false, Output: err.Error()}
	}
	return out
}

func (r *Registry) validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
