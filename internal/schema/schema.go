// Package schema validates issuance attributes against the JSON schema
// registered for a credential schema id.
package schema

import (
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/pkg/errors"

	"github.com/ssilab/ssi-service/internal/model"
)

// The student-id schema is deliberately loose: attributes are arbitrary
// JSON, the only hard rule is a non-empty object.
const studentIDSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "minProperties": 1
}`

// Registry maps credential schema ids to compiled JSON schemas. Unknown
// ids pass validation; the id is an opaque string on the wire.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

func NewRegistry() (*Registry, error) {
	r := &Registry{compiled: make(map[string]*jsonschema.Schema)}
	if err := r.register(model.SchemaStudentID, studentIDSchema); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) register(id, raw string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id+".json", strings.NewReader(raw)); err != nil {
		return errors.Wrapf(err, "add schema %s", id)
	}
	sch, err := compiler.Compile(id + ".json")
	if err != nil {
		return errors.Wrapf(err, "compile schema %s", id)
	}
	r.compiled[id] = sch
	return nil
}

// ValidateAttributes checks attrs against the schema registered for id.
func (r *Registry) ValidateAttributes(id string, attrs map[string]interface{}) error {
	sch, ok := r.compiled[id]
	if !ok {
		return nil
	}
	doc := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		doc[k] = v
	}
	if err := sch.Validate(doc); err != nil {
		return errors.Wrap(err, "invalid attributes")
	}
	return nil
}
