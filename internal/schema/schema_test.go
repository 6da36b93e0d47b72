package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssilab/ssi-service/internal/model"
)

func TestValidateAttributes(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	err = r.ValidateAttributes(model.SchemaStudentID, map[string]interface{}{
		"name": "Alice Doe",
		"age":  float64(21),
	})
	assert.NoError(t, err)
}

func TestValidateAttributesRejectsEmpty(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	err = r.ValidateAttributes(model.SchemaStudentID, map[string]interface{}{})
	assert.Error(t, err)
}

func TestValidateAttributesUnknownSchema(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	// Unknown ids are opaque strings; validation passes.
	err = r.ValidateAttributes("example:unknown-v1", map[string]interface{}{})
	assert.NoError(t, err)
}
