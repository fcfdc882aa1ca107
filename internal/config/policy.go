package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// policySchema validates policy.json before the broker accepts it. A policy
// file that fails validation is rejected wholesale rather than half-applied.
const policySchema = `{
  "type": "object",
  "properties": {
    "taskKeeping": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exemptedBundles": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "transient": {
      "type": "object",
      "properties": {
        "exemptedQuotaMs": {"type": "integer", "minimum": 0},
        "exemptedBundles": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// Policy is the capability and exemption policy loaded from policy.json.
// The zero value denies task keeping and exempts nothing.
type Policy struct {
	TaskKeeping struct {
		Enabled         bool     `json:"enabled"`
		ExemptedBundles []string `json:"exemptedBundles"`
	} `json:"taskKeeping"`
	Transient struct {
		ExemptedQuotaMs int32    `json:"exemptedQuotaMs"`
		ExemptedBundles []string `json:"exemptedBundles"`
	} `json:"transient"`
}

// TaskKeepingEnabled reports the global task-keeping capability switch.
func (p *Policy) TaskKeepingEnabled() bool {
	return p.TaskKeeping.Enabled
}

// TaskKeepingExempted reports whether bundle may use task keeping regardless
// of the global switch.
func (p *Policy) TaskKeepingExempted(bundle string) bool {
	return slices.Contains(p.TaskKeeping.ExemptedBundles, bundle)
}

// TransientExempted reports whether bundle gets the fixed exempted delay
// budget instead of quota-metered grants.
func (p *Policy) TransientExempted(bundle string) bool {
	return slices.Contains(p.Transient.ExemptedBundles, bundle)
}

// ExemptedQuotaMS returns the configured exempted delay budget, 0 for the
// engine default.
func (p *Policy) ExemptedQuotaMS() int32 {
	return p.Transient.ExemptedQuotaMs
}

var compiledPolicySchema = mustCompilePolicySchema()

func mustCompilePolicySchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(policySchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal policy schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policy.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add policy schema resource: %v", err))
	}
	schema, err := c.Compile("policy.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile policy schema: %v", err))
	}
	return schema
}

// LoadPolicy reads and validates policy.json. A missing file yields the zero
// policy.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, fmt.Errorf("read policy.json: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates raw policy JSON against the schema and decodes it.
func ParsePolicy(data []byte) (*Policy, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parse policy.json: %w", err)
	}
	if err := compiledPolicySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate policy.json: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode policy.json: %w", err)
	}
	return &p, nil
}
