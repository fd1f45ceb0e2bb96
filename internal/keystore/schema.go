package keystore

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

const (
	recordSchemaFile = "schema/wrapped-key-record-v1.schema.json"
	trustSchemaFile  = "schema/peer-trust-record-v1.schema.json"
)

var (
	schemaOnce   sync.Once
	recordSchema *jsonschema.Schema
	trustSchema  *jsonschema.Schema
	schemaErr    error
)

func loadSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	compile := func(name string) (*jsonschema.Schema, error) {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		return compiler.Compile(name)
	}

	if recordSchema, schemaErr = compile(recordSchemaFile); schemaErr != nil {
		return
	}
	trustSchema, schemaErr = compile(trustSchemaFile)
}

func validateRecord(rec *Record) error {
	return validateAgainst(func() *jsonschema.Schema { return recordSchema }, rec)
}

func validateTrust(rec *TrustRecord) error {
	return validateAgainst(func() *jsonschema.Schema { return trustSchema }, rec)
}

// validateAgainst round-trips v through JSON so the schema sees exactly the
// shape that would be serialized.
func validateAgainst(schema func() *jsonschema.Schema, v any) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return fmt.Errorf("keystore: compile schema: %w", schemaErr)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := schema().Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
