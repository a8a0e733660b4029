package config

import (
	"sync"

	"github.com/lmtoy/pipeline-web/schema"
)

var (
	schemaOnce      sync.Once
	schemaValidator *schema.Validator
	schemaErr       error
)

// SchemaValidator validates configuration against the schema generated from Config.
type SchemaValidator struct {
	validator *schema.Validator
}

// NewSchemaValidator returns a validator over the generated schema. The
// schema is generated and compiled once per process.
func NewSchemaValidator() (*SchemaValidator, error) {
	schemaOnce.Do(func() {
		var doc []byte
		doc, schemaErr = GenerateSchema()
		if schemaErr != nil {
			return
		}
		schemaValidator, schemaErr = schema.NewValidator("pipeweb.schema.json", doc)
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return &SchemaValidator{validator: schemaValidator}, nil
}

// Validate validates configuration data against the schema.
func (v *SchemaValidator) Validate(configData interface{}) error {
	return v.validator.Validate(configData)
}
