// Package validate checks batch result content against the job's output schema.
package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrSchemaValidation marks content that does not satisfy the output schema.
// It is a per-record failure and never fails the job.
var ErrSchemaValidation = errors.New("content failed schema validation")

// Result is the outcome of validating one piece of content.
type Result struct {
	Valid   bool
	Details []string
}

// Err returns nil for valid content and an ErrSchemaValidation wrapper otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSchemaValidation, strings.Join(r.Details, "; "))
}

func invalid(details ...string) Result {
	return Result{Valid: false, Details: details}
}

// Validator is the strategy the ingestion pipeline uses to accept and shape content.
// Implementations must be safe for concurrent use.
type Validator interface {
	// Validate never panics; any failure inside the schema engine is reported as Invalid.
	Validate(content []byte, schema json.RawMessage) Result
	// Transform decodes validated content into the value written to the target record.
	Transform(content []byte) (any, error)
}

// JSONSchemaValidator validates against JSON Schema documents, caching compiled
// schemas by content hash.
type JSONSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Compile checks that schema is a usable JSON Schema document. An empty or null
// schema is accepted.
func (v *JSONSchemaValidator) Compile(schema json.RawMessage) error {
	if isEmptySchema(schema) {
		return nil
	}
	_, err := v.compiled(schema)
	return err
}

func (v *JSONSchemaValidator) Validate(content []byte, schema json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = invalid(fmt.Sprintf("validator panic: %v", r))
		}
	}()

	doc, err := decodeJSON(content)
	if err != nil {
		return invalid(fmt.Sprintf("content is not valid JSON: %v", err))
	}

	if isEmptySchema(schema) {
		return Result{Valid: true}
	}

	compiled, err := v.compiled(schema)
	if err != nil {
		return invalid(err.Error())
	}

	if err := compiled.Validate(doc); err != nil {
		return invalid(describe(err)...)
	}
	return Result{Valid: true}
}

// Transform decodes content as relaxed extended JSON so integers stay int32 or
// int64 in the stored document. Objects become bson.D and keep their key order.
func (v *JSONSchemaValidator) Transform(content []byte) (any, error) {
	wrapped := make([]byte, 0, len(content)+len(`{"v":}`))
	wrapped = append(wrapped, `{"v":`...)
	wrapped = append(wrapped, bytes.TrimSpace(content)...)
	wrapped = append(wrapped, '}')

	var doc struct {
		V any `bson:"v"`
	}
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return doc.V, nil
}

// decodeJSON decodes a single JSON value with numbers kept as json.Number, which
// is what the schema engine expects.
func decodeJSON(content []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return doc, nil
}

func (v *JSONSchemaValidator) compiled(schema json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schema)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	s, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	url := "mem://schemas/" + key + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = s
	v.mu.Unlock()
	return s, nil
}

// describe flattens a validation error into its leaf causes. Wrapper errors only
// name the schema location and are dropped.
func describe(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var details []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			details = append(details, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return details
}

func isEmptySchema(schema json.RawMessage) bool {
	trimmed := bytes.TrimSpace(schema)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

var _ Validator = (*JSONSchemaValidator)(nil)
