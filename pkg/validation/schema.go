package validation

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://schemas.boardsync.dev/"

const (
	schemaNote       = "note.schema.json"
	schemaNotePatch  = "note-patch.schema.json"
	schemaEvent      = "event.schema.json"
	schemaEventPatch = "event-patch.schema.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		for _, entry := range entries {
			data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
			if err != nil {
				schemasErr = err
				return
			}
			if err := compiler.AddResource(schemaBase+entry.Name(), bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", entry.Name(), err)
				return
			}
		}
		compiled := make(map[string]*jsonschema.Schema, len(entries))
		for _, entry := range entries {
			s, err := compiler.Compile(schemaBase + entry.Name())
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", entry.Name(), err)
				return
			}
			compiled[entry.Name()] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// checkSchema validates a decoded JSON document against a named schema and
// reports each failing leaf as a field error.
func checkSchema(name string, doc any) Errors {
	all, err := loadSchemas()
	if err != nil {
		panic(fmt.Sprintf("BUG: validation: embedded schemas do not compile: %v", err))
	}
	err = all[name].Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Errors{{Message: err.Error()}}
	}
	var out Errors
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *Errors) {
	if len(ve.Causes) == 0 {
		out.add(fieldName(ve.InstanceLocation), ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// fieldName turns a JSON pointer into a dotted field path.
func fieldName(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "payload"
	}
	return strings.ReplaceAll(pointer, "/", ".")
}
