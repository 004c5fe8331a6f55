package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	conditionalDeploySchema = `{
  "type": "object",
  "required": ["payee", "amount"],
  "properties": {
    "payee": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
    "amount": {"type": ["string", "number"]}
  }
}`
	timedDeploySchema = `{
  "type": "object",
  "required": ["payee", "amount", "dueDate"],
  "properties": {
    "payee": {"type": "string", "pattern": "^0[xX][0-9a-fA-F]{40}$"},
    "amount": {"type": ["string", "number"]},
    "dueDate": {"type": ["string", "integer"]}
  }
}`
)

const maxBodyBytes = 64 << 10

type requestSchemas struct {
	conditional *jsonschema.Schema
	timed       *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	compile := func(name, src string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		url := "mem://" + name + ".json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("api: add schema %s: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("api: compile schema %s: %w", name, err)
		}
		return s, nil
	}
	cond, err := compile("deploy-conditional", conditionalDeploySchema)
	if err != nil {
		return nil, err
	}
	timed, err := compile("deploy-timed", timedDeploySchema)
	if err != nil {
		return nil, err
	}
	return &requestSchemas{conditional: cond, timed: timed}, nil
}

// decodeBody reads a JSON object, keeping numbers exact, and validates it.
func decodeBody(r io.Reader, schema *jsonschema.Schema) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%s", leafMessage(verr))
		}
		return nil, err
	}
	obj, _ := doc.(map[string]any)
	return obj, nil
}

// leafMessage reports the first concrete failure instead of the schema tree.
func leafMessage(v *jsonschema.ValidationError) string {
	for len(v.Causes) > 0 {
		v = v.Causes[0]
	}
	loc := strings.TrimPrefix(v.InstanceLocation, "/")
	if loc == "" {
		return v.Message
	}
	return loc + ": " + v.Message
}

// field renders a validated string or exact number as text.
func field(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
