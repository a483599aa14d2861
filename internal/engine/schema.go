package engine

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/granule.json
var granuleSchemaJSON []byte

const granuleSchemaURL = "ingestledger://schemas/granule.json"

var compiledGranuleSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(granuleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode granule schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(granuleSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add granule schema: %w", err)
	}
	return c.Compile(granuleSchemaURL)
})

// validateGranule checks a raw payload granule against the granule schema.
func validateGranule(raw []byte) error {
	sch, err := compiledGranuleSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode granule: %w", err)
	}
	return sch.Validate(inst)
}
