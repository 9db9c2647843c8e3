package catalogs

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const blocksSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["name"],
    "additionalProperties": false,
    "properties": {
      "name":   {"type": "string", "pattern": "^[a-z0-9_]+$"},
      "solid":  {"type": "boolean"},
      "liquid": {"type": "boolean"}
    }
  }
}`

const namedListSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name"],
    "properties": {
      "name": {"type": "string", "pattern": "^[a-z0-9_./-]+$"}
    }
  }
}`

var (
	compileOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	compileErr  error
)

func compiled() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		src := map[string]string{
			"blocks.schema.json": blocksSchema,
			"named.schema.json":  namedListSchema,
		}
		for name, s := range src {
			if err := c.AddResource(name, strings.NewReader(s)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		out := map[string]*jsonschema.Schema{}
		for name := range src {
			s, err := c.Compile(name)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, compileErr
}

func validate(schemaName, file string, raw []byte) error {
	all, err := compiled()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if err := all[schemaName].Validate(v); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return nil
}
