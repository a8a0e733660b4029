package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, "http://json-schema.org/draft-07/schema#", parsed["$schema"])
	props, ok := parsed["properties"].(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"path", "ssh", "github", "session", "dispatch", "projects", "logging"} {
		assert.Contains(t, props, key)
	}
	assert.Contains(t, parsed["required"], "path")
}

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(validConfig()))

	bad := map[string]interface{}{
		"path":    map[string]interface{}{"work_lmt": "/w"},
		"unknown": true,
	}
	assert.Error(t, v.Validate(bad), "unknown top-level keys are rejected")
}
