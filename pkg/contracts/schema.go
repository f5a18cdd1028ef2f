package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/permission.schema.json
var permissionSchemaDoc []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://mandate.schemas.local/permission.schema.json"
		if err := c.AddResource(url, bytes.NewReader(permissionSchemaDoc)); err != nil {
			schemaErr = fmt.Errorf("permission schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	return schema, schemaErr
}

// ValidateDocument checks a raw permission JSON document against the
// embedded schema. It complements Permission.Validate for callers that
// accept permission documents over the wire before decoding them.
func ValidateDocument(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrValidation, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
