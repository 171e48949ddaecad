// Package tools implements the tool registry: built-in tools, installed
// tool specs from the store, JSON Schema argument validation, and the
// credential gate in front of every invocation.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gasable/hub/internal/store"
	"github.com/gasable/hub/pkg/contracts"
	"github.com/gasable/hub/pkg/models"
)

// Builtin is a tool implemented in-process.
type Builtin struct {
	Spec models.ToolSpec
	Run  func(ctx context.Context, args map[string]interface{}) models.ToolResult
}

// Registry merges built-in tools with installed specs and dispatches
// invocations. Execution failures are result values with status "error";
// Invoke returns an error only for unknown tools, invalid arguments, and
// missing credentials.
type Registry struct {
	tools store.ToolStore
	vault contracts.VaultService

	mu       sync.RWMutex
	builtins map[string]*Builtin
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry builds a registry. vault may be nil; credential checks then
// fall back to process environment variables.
func NewRegistry(tools store.ToolStore, vault contracts.VaultService) *Registry {
	return &Registry{
		tools:    tools,
		vault:    vault,
		builtins: make(map[string]*Builtin),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a built-in tool. Later registrations replace earlier ones
// of the same name.
func (r *Registry) Register(b *Builtin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Spec.InstalledAt.IsZero() {
		b.Spec.InstalledAt = time.Now().UTC()
	}
	r.builtins[b.Spec.Name] = b
	delete(r.schemas, b.Spec.Name)
}

// List returns built-ins plus installed specs, name-sorted, with
// built-ins shadowing installed specs of the same name.
func (r *Registry) List(ctx context.Context) ([]models.ToolSpec, error) {
	installed, err := r.tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := make(map[string]models.ToolSpec, len(installed)+len(r.builtins))
	for _, t := range installed {
		byName[t.Name] = t
	}
	for name, b := range r.builtins {
		byName[name] = b.Spec
	}
	out := make([]models.ToolSpec, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sortSpecs(out)
	return out, nil
}

func (r *Registry) Get(ctx context.Context, name string) (*models.ToolSpec, error) {
	r.mu.RLock()
	b, ok := r.builtins[name]
	r.mu.RUnlock()
	if ok {
		spec := b.Spec
		return &spec, nil
	}
	return r.tools.GetTool(ctx, name)
}

// Invoke runs a tool after schema validation and the credential gate.
// The gate runs before any side effect.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (models.ToolResult, error) {
	spec, err := r.Get(ctx, name)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, models.E(models.KindNotFound, "unknown tool: "+name)
		}
		return nil, err
	}

	if err := r.validateArgs(spec, args); err != nil {
		return nil, err
	}
	if missing, err := r.MissingKeys(ctx, name); err != nil {
		return nil, err
	} else if len(missing) > 0 {
		return nil, models.E(models.KindMissingCredential,
			"tool "+name+" requires credentials: "+strings.Join(missing, ", "))
	}

	r.mu.RLock()
	b := r.builtins[name]
	r.mu.RUnlock()
	if b == nil {
		// Installed spec without an in-process executor.
		return models.ToolResult{
			"status": "error",
			"error":  "tool " + name + " has no executor",
		}, nil
	}

	started := time.Now()
	result := b.Run(ctx, args)
	if result == nil {
		result = models.ToolResult{"status": "error", "error": "tool returned no result"}
	}
	log.Debug().Str("tool", name).Bool("ok", result.OK()).
		Dur("took", time.Since(started)).Msg("tool invoked")
	return result, nil
}

// MissingKeys returns the tool's required credential keys that are absent
// from both its vault scopes and the environment.
func (r *Registry) MissingKeys(ctx context.Context, name string) ([]string, error) {
	spec, err := r.Get(ctx, name)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, models.E(models.KindNotFound, "unknown tool: "+name)
		}
		return nil, err
	}
	var missing []string
	for _, key := range requiredKeysFor(spec) {
		if !r.hasCredential(ctx, name, key) {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

func (r *Registry) hasCredential(ctx context.Context, toolName, key string) bool {
	if r.vault != nil {
		if _, err := r.vault.Get(ctx, "tool:"+toolName, key); err == nil {
			return true
		}
		if _, err := r.vault.Get(ctx, "global", key); err == nil {
			return true
		}
	}
	return os.Getenv(key) != ""
}

// providerKeys maps auth providers to the credential keys they need when
// a spec doesn't list required_keys explicitly.
var providerKeys = map[string][]string{
	"gmail":     {"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REFRESH_TOKEN"},
	"google":    {"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REFRESH_TOKEN"},
	"openai":    {"OPENAI_API_KEY"},
	"slack":     {"SLACK_BOT_TOKEN"},
	"firecrawl": {"FIRECRAWL_API_KEY"},
}

func requiredKeysFor(spec *models.ToolSpec) []string {
	if len(spec.RequiredKeys) > 0 {
		return spec.RequiredKeys
	}
	if spec.Auth != nil {
		return providerKeys[spec.Auth.Provider]
	}
	return nil
}

func (r *Registry) validateArgs(spec *models.ToolSpec, args map[string]interface{}) error {
	if len(spec.InputSchema) == 0 {
		return nil
	}
	schema, err := r.compiledSchema(spec)
	if err != nil {
		log.Warn().Str("tool", spec.Name).Err(err).Msg("tool input schema does not compile, skipping validation")
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := schema.Validate(normalizeForSchema(args)); err != nil {
		return models.Wrap(models.KindBadRequest, "invalid arguments for tool "+spec.Name, err)
	}
	return nil
}

func (r *Registry) compiledSchema(spec *models.ToolSpec) (*jsonschema.Schema, error) {
	r.mu.RLock()
	schema, ok := r.schemas[spec.Name]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	uri := "hub://tools/" + spec.Name + ".schema.json"
	if err := compiler.AddResource(uri, doc); err != nil {
		return nil, err
	}
	schema, err = compiler.Compile(uri)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.schemas[spec.Name] = schema
	r.mu.Unlock()
	return schema, nil
}

// normalizeForSchema round-trips values the way encoding/json would, so
// ints produced in-process validate like the wire form.
func normalizeForSchema(v map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		switch n := val.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case map[string]interface{}:
			out[k] = normalizeForSchema(n)
		default:
			out[k] = val
		}
	}
	return out
}

func sortSpecs(specs []models.ToolSpec) {
	for i := 1; i < len(specs); i++ {
		for j := i; j > 0 && specs[j].Name < specs[j-1].Name; j-- {
			specs[j], specs[j-1] = specs[j-1], specs[j]
		}
	}
}
