package validation

import (
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/taskflow/pkg/schema"
)

// stepConfigSchemas holds the JSON Schema for each step kind's configuration.
// Kinds without an entry accept any object.
var stepConfigSchemas = map[schema.StepType]string{
	schema.StepTypeDataTransform: `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "input": {"type": "string"},
    "engine": {"type": "string", "enum": ["jq"]}
  }
}`,
	schema.StepTypeExternalAPICall: `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "auth": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "expected_status": {"type": "array", "items": {"type": "integer"}}
  }
}`,
	schema.StepTypeNotification: `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "channel": {"type": "string"},
    "message": {"type": "string", "minLength": 1},
    "recipients": {"type": "array", "items": {"type": "string"}}
  }
}`,
	schema.StepTypeUserApproval: `{
  "type": "object",
  "properties": {
    "approvers": {"type": "array", "items": {"type": "string"}},
    "message": {"type": "string"}
  }
}`,
	schema.StepTypeConditional: `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "language": {"type": "string", "enum": ["expr", "cel"]},
    "branches": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    }
  }
}`,
}

// triggerConfigSchemas holds the JSON Schema for each trigger kind's configuration.
var triggerConfigSchemas = map[schema.TriggerType]string{
	schema.TriggerSchedule: `{
  "type": "object",
  "required": ["cron"],
  "properties": {"cron": {"type": "string", "minLength": 1}}
}`,
	schema.TriggerEmailReceived: `{
  "type": "object",
  "properties": {
    "from": {"type": "string"},
    "subject": {"type": "string"}
  }
}`,
	schema.TriggerWebhook: `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {"type": "string", "pattern": "^/"},
    "method": {"type": "string", "minLength": 1}
  }
}`,
	schema.TriggerFileUploaded: `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "extensions": {"type": "array", "items": {"type": "string"}}
  }
}`,
}

// ConfigSchemas validates step and trigger configuration maps against
// precompiled JSON Schemas and kind-specific semantic rules.
type ConfigSchemas struct {
	steps    map[schema.StepType]*jsonschema.Schema
	triggers map[schema.TriggerType]*jsonschema.Schema
	cron     cron.Parser
}

// NewConfigSchemas compiles every configuration schema.
func NewConfigSchemas() (*ConfigSchemas, error) {
	cs := &ConfigSchemas{
		steps:    make(map[schema.StepType]*jsonschema.Schema, len(stepConfigSchemas)),
		triggers: make(map[schema.TriggerType]*jsonschema.Schema, len(triggerConfigSchemas)),
		cron:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	for kind, src := range stepConfigSchemas {
		s, err := compileSchema("taskflow://steps/"+string(kind), src)
		if err != nil {
			return nil, err
		}
		cs.steps[kind] = s
	}
	for kind, src := range triggerConfigSchemas {
		s, err := compileSchema("taskflow://triggers/"+string(kind), src)
		if err != nil {
			return nil, err
		}
		cs.triggers[kind] = s
	}
	return cs, nil
}

func compileSchema(url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateStep checks one step's configuration, timeout and, for
// conditionals, that every branch target names a step in ids.
func (cs *ConfigSchemas) ValidateStep(step *schema.Step, pathPrefix string, ids map[string]bool) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil || d <= 0 {
			result.AddError(pathPrefix+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("step %q has invalid timeout %q", step.ID, step.Timeout))
		}
	}

	if compiled, ok := cs.steps[step.Type]; ok {
		addViolations(result, pathPrefix+".configuration", compiled, step.Configuration)
	}

	if step.Type == schema.StepTypeConditional && result.Valid() {
		branches := schema.ParseConditionalConfig(step.Configuration).Branches
		for _, name := range slices.Sorted(maps.Keys(branches)) {
			for i, target := range branches[name] {
				p := fmt.Sprintf("%s.configuration.branches.%s[%d]", pathPrefix, name, i)
				switch {
				case target == step.ID:
					result.AddError(p, schema.ErrCodeValidation,
						fmt.Sprintf("conditional %q lists itself as a branch target", step.ID))
				case !ids[target]:
					result.AddError(p, schema.ErrCodeDanglingDep,
						fmt.Sprintf("conditional %q branch %q references non-existent step %q", step.ID, name, target), step.ID)
				}
			}
		}
	}
	return result
}

// ValidateTrigger checks a trigger definition's configuration, including
// that its patterns compile.
func (cs *ConfigSchemas) ValidateTrigger(def schema.TriggerDefinition, pathPrefix string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if compiled, ok := cs.triggers[def.Type]; ok {
		addViolations(result, pathPrefix+".configuration", compiled, def.Configuration)
	}
	if !result.Valid() {
		return result
	}

	cfg := def.Configuration
	switch def.Type {
	case schema.TriggerSchedule:
		expr, _ := cfg["cron"].(string)
		if _, err := cs.cron.Parse(expr); err != nil {
			result.AddError(pathPrefix+".configuration.cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", expr, err))
		}
	case schema.TriggerEmailReceived:
		for _, key := range []string{"from", "subject"} {
			if pattern, ok := cfg[key].(string); ok && pattern != "" {
				if _, err := regexp.Compile(pattern); err != nil {
					result.AddError(pathPrefix+".configuration."+key, schema.ErrCodeValidation,
						fmt.Sprintf("invalid %s pattern %q: %v", key, pattern, err))
				}
			}
		}
	case schema.TriggerFileUploaded:
		if glob, ok := cfg["path"].(string); ok && glob != "" {
			if _, err := path.Match(glob, ""); err != nil {
				result.AddError(pathPrefix+".configuration.path", schema.ErrCodeValidation,
					fmt.Sprintf("invalid path glob %q: %v", glob, err))
			}
		}
	}
	return result
}

// CronParser exposes the parser used for schedule triggers.
func (cs *ConfigSchemas) CronParser() cron.Parser {
	return cs.cron
}

func addViolations(result *schema.ValidationResult, at string, compiled *jsonschema.Schema, cfg map[string]any) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	doc, err := toJSONValue(cfg)
	if err != nil {
		result.AddError(at, schema.ErrCodeValidation, "configuration is not serializable: "+err.Error())
		return
	}
	if err := compiled.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError(at, schema.ErrCodeValidation, err.Error())
			return
		}
		for _, v := range collectViolations(verr) {
			result.AddError(at, schema.ErrCodeValidation, v)
		}
	}
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
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
