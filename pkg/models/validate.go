package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidManifest marks a payload that failed validation.
var ErrInvalidManifest = errors.New("invalid manifest")

const schemaURL = "https://notevault.dev/schemas/manifest.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metadata", "nodes", "rootIds"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["version", "generatedAt", "checksum", "nodeCount"],
      "properties": {
        "version": {"type": "integer", "minimum": 1},
        "generatedAt": {"type": "string"},
        "checksum": {"type": "string"},
        "nodeCount": {"type": "integer", "minimum": 0}
      }
    },
    "nodes": {"type": "array", "items": {"$ref": "#/$defs/node"}},
    "rootIds": {"type": "array", "items": {"type": "string"}}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "name", "path", "parentId", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "path": {"type": "string"},
        "parentId": {"type": ["string", "null"]},
        "type": {"enum": ["file", "folder"]}
      },
      "if": {"properties": {"type": {"const": "file"}}},
      "then": {
        "required": ["etag", "size", "lastModified"],
        "properties": {
          "etag": {"type": "string"},
          "size": {"type": "integer", "minimum": 0},
          "lastModified": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidationResult is the outcome of Validate. Exactly one of Manifest or Errors is set.
type ValidationResult struct {
	Success  bool
	Manifest *Manifest
	Errors   []string
}

// Err returns nil on success, or an error wrapping ErrInvalidManifest.
func (r ValidationResult) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(r.Errors, "; "))
}

func invalid(errs ...string) ValidationResult {
	return ValidationResult{Errors: errs}
}

// Validate checks an untrusted payload before it is used as a manifest. It never panics;
// a failed result only tells the caller to fall back to another source.
//
// Checks run in order: document shape and per-node fields, id uniqueness,
// variant-specific childrenIds rules, then nodeCount.
func Validate(data []byte) (result ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = invalid(fmt.Sprintf("validator panic: %v", r))
		}
	}()

	sch, err := loadSchema()
	if err != nil {
		return invalid(err.Error())
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return invalid("malformed JSON: " + err.Error())
	}
	if err := sch.Validate(inst); err != nil {
		return invalid(schemaMessages(err)...)
	}

	var raw struct {
		Nodes []map[string]json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return invalid("malformed nodes: " + err.Error())
	}

	var errs []string

	seen := make(map[string]struct{}, len(raw.Nodes))
	for i, n := range raw.Nodes {
		var id string
		_ = json.Unmarshal(n["id"], &id)
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Sprintf("nodes[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
	}

	for i, n := range raw.Nodes {
		var typ NodeType
		_ = json.Unmarshal(n["type"], &typ)
		children, has := n["childrenIds"]
		switch typ {
		case NodeFile:
			if has {
				errs = append(errs, fmt.Sprintf("nodes[%d]: file node must not have childrenIds", i))
			}
		case NodeFolder:
			var ids []string
			if !has || bytes.Equal(bytes.TrimSpace(children), []byte("null")) {
				errs = append(errs, fmt.Sprintf("nodes[%d]: folder node requires childrenIds", i))
			} else if err := json.Unmarshal(children, &ids); err != nil {
				errs = append(errs, fmt.Sprintf("nodes[%d]: childrenIds must be an array of strings", i))
			}
		}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		errs = append(errs, "decode: "+err.Error())
	} else if m.Metadata.NodeCount != len(m.Nodes) {
		errs = append(errs, fmt.Sprintf("metadata.nodeCount is %d but there are %d nodes", m.Metadata.NodeCount, len(m.Nodes)))
	}

	if len(errs) > 0 {
		return invalid(errs...)
	}
	return ValidationResult{Success: true, Manifest: &m}
}

// schemaMessages flattens a schema validation error into its leaf messages.
func schemaMessages(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, lastLine(e.Error()))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func lastLine(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg), "- "))
}
