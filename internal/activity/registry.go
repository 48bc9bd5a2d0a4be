package activity

import (
	"fmt"
	"sort"
	"sync"

	"github.com/calev/orchid/pkg/schema"
)

// Registry is a thread-safe mapping from activity type to implementation.
// Unknown types surface at registration or lookup, never as a reflection
// failure mid-run.
type Registry struct {
	mu         sync.RWMutex
	activities map[schema.ActivityType]Activity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		activities: make(map[schema.ActivityType]Activity),
	}
}

// NewBuiltinRegistry creates a Registry with every built-in activity type
// registered.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []Activity{
		&StartActivity{},
		&EndActivity{},
		&TaskActivity{},
		&IfElseActivity{},
		&SwitchActivity{},
		&ForkActivity{},
	} {
		// Built-ins carry unique types, registration cannot fail.
		_ = r.Register(a)
	}
	return r
}

// Register adds an activity to the registry. Returns error on duplicate type.
func (r *Registry) Register(a Activity) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity is nil")
	}
	typ := a.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "activity type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity type %q already registered", typ)
	}

	r.activities[typ] = a
	return nil
}

// Get retrieves the implementation for an activity type.
func (r *Registry) Get(typ schema.ActivityType) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.activities[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownActivity, "activity type %q not registered", typ)
	}
	return a, nil
}

// Has checks if an activity type is registered.
func (r *Registry) Has(typ schema.ActivityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.activities[typ]
	return ok
}

// Types returns the registered activity types, sorted.
func (r *Registry) Types() []schema.ActivityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.ActivityType, 0, len(r.activities))
	for t := range r.activities {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateDefinition runs every activity node in the definition through its
// implementation's Validate. Nodes with unregistered types are reported too.
func (r *Registry) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range def.Activities {
		node := &def.Activities[i]
		path := fmt.Sprintf("activities[%d]", i)
		impl, err := r.Get(node.Type)
		if err != nil {
			result.AddError(path, schema.ErrCodeUnknownActivity, err.Error())
			continue
		}
		if err := impl.Validate(node); err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
		}
	}
	return result
}
