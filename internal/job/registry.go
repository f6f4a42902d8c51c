package job

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownJob        = errors.New("unknown function")
	ErrDuplicateJob      = errors.New("function already registered")
	ErrInvalidDefinition = errors.New("invalid function definition")
	ErrRegistryFrozen    = errors.New("registry is frozen")
)

// reservedNames collide with fixed HTTP routes.
var reservedNames = map[string]bool{
	"function":  true,
	"task":      true,
	"terminate": true,
	"healthz":   true,
	"metrics":   true,
	"workers":   true,
}

// Registry maps function names to definitions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	order    []string
	frozen   bool
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds a definition. The name is trimmed of surrounding slashes and
// a zero timeout is replaced by DefaultTimeout.
func (r *Registry) Register(def Definition) error {
	def.Name = strings.Trim(def.Name, "/")

	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidDefinition, def.Name, err)
	}
	if reservedNames[def.Name] {
		return fmt.Errorf("%w: %q is a reserved name", ErrInvalidDefinition, def.Name)
	}
	seen := make(map[string]bool, len(def.Args))
	for _, a := range def.Args {
		if seen[a.Name] {
			return fmt.Errorf("%w: %q declares argument %q twice", ErrInvalidDefinition, def.Name, a.Name)
		}
		seen[a.Name] = true
	}
	if def.Timeout == 0 {
		def.Timeout = DefaultTimeout
	}
	def.Args = append([]ArgSpec(nil), def.Args...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", def.Name, ErrRegistryFrozen)
	}
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister is like Register but panics on error. It is intended for
// registration code in main packages.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return def, nil
}

// List returns all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}
