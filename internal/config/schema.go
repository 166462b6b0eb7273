package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://bigrig.invalid/schema/"

//go:embed schema/*.json
var schemaFS embed.FS

var (
	credentialsSchema = mustCompileSchema("credentials.json")
	configSchema      = mustCompileSchema("config.json")
)

// CredentialsSchema returns the raw JSON Schema for credentials files.
func CredentialsSchema() []byte {
	return mustReadSchema("credentials.json")
}

// ConfigSchema returns the raw JSON Schema for config documents.
func ConfigSchema() []byte {
	return mustReadSchema("config.json")
}

func mustReadSchema(name string) []byte {
	data, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		panic(err)
	}
	return data
}

func mustCompileSchema(name string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(mustReadSchema(name)))
	if err != nil {
		panic(errors.Wrapf(err, "schema %s", name))
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
		panic(errors.Wrapf(err, "schema %s", name))
	}
	sch, err := c.Compile(schemaBaseURL + name)
	if err != nil {
		panic(errors.Wrapf(err, "schema %s", name))
	}
	return sch
}

// validate checks a decoded YAML or TOML document against sch and returns
// the document with every mapping keyed by strings.
//
// The document goes through JSON first so that the validator sees the same
// value kinds regardless of which decoder produced it.
func validate(sch *jsonschema.Schema, doc any) (any, error) {
	doc, err := stringKeys(doc, "")
	if err != nil {
		return nil, errors.Mark(err, ErrSchemaViolation)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "document is not representable as JSON"), ErrSchemaViolation)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "document is not representable as JSON"), ErrSchemaViolation)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, errors.Mark(err, ErrSchemaViolation)
	}
	return doc, nil
}

// stringKeys rewrites the mappings of doc to map[string]any. yaml.v3
// decodes unquoted keys such as 311 as numbers; scalar keys are converted
// with fmt, anything else is rejected.
func stringKeys(doc any, at string) (any, error) {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			conv, err := stringKeys(val, at+"/"+k)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			var key string
			switch k.(type) {
			case string, bool, int, int64, uint64, float64:
				key = fmt.Sprint(k)
			default:
				return nil, errors.Newf("mapping key %v at %q is not a scalar", k, at+"/")
			}
			conv, err := stringKeys(val, at+"/"+key)
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			conv, err := stringKeys(item, fmt.Sprintf("%s/%d", at, i))
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return doc, nil
	}
}
