// Package schemas embeds the JSON Schemas shipped with proctor.
package schemas

import _ "embed"

// PlanSchemaJSON is the JSON Schema for assessment plan YAML files.
//
//go:embed plan.schema.json
var PlanSchemaJSON string
