package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/calev/orchid/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orchid.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "version", "activities", "transitions"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 1 },
    "description": { "type": "string" },
    "expression_language": {
      "type": "string",
      "enum": ["expr", "cel"]
    },
    "activities": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/activity" }
    },
    "transitions": {
      "type": "array",
      "items": { "$ref": "#/$defs/transition" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "activity": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["start", "end", "task", "if_else", "switch", "fork"]
        },
        "name": { "type": "string" },
        "properties": {},
        "is_start": { "type": "boolean" },
        "is_end": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// DefinitionValidator validates workflow definitions: structural validation
// against the embedded JSON Schema plus semantic checks the schema cannot
// express. Safe for concurrent use.
type DefinitionValidator struct {
	definitionSchema *jsonschema.Schema
}

// NewDefinitionValidator creates a DefinitionValidator with the definition
// schema pre-compiled.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://orchid.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile("https://orchid.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &DefinitionValidator{definitionSchema: compiled}, nil
}

// ValidateDefinition validates a WorkflowDefinition. Structural JSON Schema
// violations and semantic defects are both reported through the returned
// error; a nil error means the definition is executable.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toOrchidError(err)
	}

	result := &schema.ValidationResult{}
	checkActivities(def, result)
	checkTransitions(def, result)
	return result.ToError()
}

func checkActivities(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	seen := make(map[string]struct{}, len(def.Activities))
	startCount := 0
	endCount := 0

	for i, act := range def.Activities {
		path := fmt.Sprintf("/activities/%d", i)

		if _, exists := seen[act.ID]; exists {
			result.AddError(path, "duplicate_id", fmt.Sprintf("duplicate activity id %q", act.ID))
		}
		seen[act.ID] = struct{}{}

		if act.IsStart {
			startCount++
		}
		if act.IsEnd {
			endCount++
		}

		switch act.Type {
		case schema.ActivityIfElse:
			var props schema.IfElseProperties
			if err := unmarshalProps(act.Properties, &props); err != nil {
				result.AddError(path, "bad_properties", fmt.Sprintf("if_else activity %q: %s", act.ID, err))
			} else if props.Condition == "" {
				result.AddError(path, "missing_condition", fmt.Sprintf("if_else activity %q has no condition", act.ID))
			}
		case schema.ActivitySwitch:
			var props schema.SwitchProperties
			if err := unmarshalProps(act.Properties, &props); err != nil {
				result.AddError(path, "bad_properties", fmt.Sprintf("switch activity %q: %s", act.ID, err))
			} else {
				if props.Expression == "" {
					result.AddError(path, "missing_expression", fmt.Sprintf("switch activity %q has no expression", act.ID))
				}
				if len(props.Cases) == 0 {
					result.AddError(path, "no_cases", fmt.Sprintf("switch activity %q has no cases", act.ID))
				}
			}
		case schema.ActivityFork:
			var props schema.ForkProperties
			if err := unmarshalProps(act.Properties, &props); err != nil {
				result.AddError(path, "bad_properties", fmt.Sprintf("fork activity %q: %s", act.ID, err))
			} else {
				if len(props.Branches) == 0 {
					result.AddError(path, "no_branches", fmt.Sprintf("fork activity %q has no branches", act.ID))
				}
				for j, b := range props.Branches {
					if b.ID == "" {
						result.AddError(fmt.Sprintf("%s/branches/%d", path, j), "missing_branch_id",
							fmt.Sprintf("fork activity %q: branch %d has no id", act.ID, j))
					}
				}
			}
		}
	}

	if startCount != 1 {
		result.AddError("/activities", "start_count",
			fmt.Sprintf("definition must have exactly one start activity, found %d", startCount))
	}
	if endCount == 0 {
		result.AddWarning("/activities", "no_end", "definition has no end activity")
	}
}

func checkTransitions(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	known := make(map[string]struct{}, len(def.Activities))
	for _, act := range def.Activities {
		known[act.ID] = struct{}{}
	}

	for i, t := range def.Transitions {
		path := fmt.Sprintf("/transitions/%d", i)
		if _, ok := known[t.From]; !ok {
			result.AddError(path, "unknown_from", fmt.Sprintf("transition references unknown activity %q", t.From))
		}
		if _, ok := known[t.To]; !ok {
			result.AddError(path, "unknown_to", fmt.Sprintf("transition references unknown activity %q", t.To))
		}
	}

	// Fork branch targets must also name known activities.
	for _, act := range def.Activities {
		if act.Type != schema.ActivityFork {
			continue
		}
		var props schema.ForkProperties
		if err := unmarshalProps(act.Properties, &props); err != nil {
			continue // reported by checkActivities
		}
		for j, b := range props.Branches {
			if b.ID == "" {
				continue
			}
			if _, ok := known[b.ID]; !ok {
				result.AddError(fmt.Sprintf("/activities/fork/%s/branches/%d", act.ID, j), "unknown_branch",
					fmt.Sprintf("fork activity %q: branch targets unknown activity %q", act.ID, b.ID))
			}
		}
	}
}

func unmarshalProps(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toOrchidError converts a jsonschema.ValidationError into an OrchidError
// with clear messages for callers.
func toOrchidError(err error) *schema.OrchidError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
