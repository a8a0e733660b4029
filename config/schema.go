package config

//go:generate go run ../tools/schema-generator -o ../schema/definitions/pipeweb.schema.json

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects Config into a JSON Schema document. Property names
// follow the yaml tags, which match the json tags used during validation.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		ExpandedStruct:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
	}

	schema := r.Reflect(&Config{})
	schema.Title = "pipeweb configuration"
	schema.Description = "Settings for the runfile and dispatch engine."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return json.MarshalIndent(schema, "", "  ")
}
