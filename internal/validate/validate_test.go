package validate_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/kiranshivaraju/batchsync/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var summarySchema = json.RawMessage(`{
	"type": "object",
	"additionalProperties": false,
	"required": ["title", "score"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"score": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

func TestValidate_ValidContent(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`{"title":"ok","score":0.5}`), summarySchema)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Details)
	assert.NoError(t, res.Err())
}

func TestValidate_MissingRequiredField(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`{"title":"ok"}`), summarySchema)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Details)
	assert.ErrorIs(t, res.Err(), validate.ErrSchemaValidation)
}

func TestValidate_OutOfRangeValue(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`{"title":"ok","score":3}`), summarySchema)
	assert.False(t, res.Valid)
	require.Len(t, res.Details, 1)
	assert.Contains(t, res.Details[0], "/score")
}

func TestValidate_DetailsAreLeafCauses(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`{"title":"","score":3,"extra":true}`), summarySchema)
	assert.False(t, res.Valid)
	require.Len(t, res.Details, 3)
	for _, d := range res.Details {
		assert.NotContains(t, d, "mem://", "schema location leaked into %q", d)
		assert.NotContains(t, d, "doesn't validate with")
	}
	assert.Contains(t, res.Err().Error(), "/score")
	assert.Contains(t, res.Err().Error(), "/title")
}

func TestValidate_LargeIntegerChecksExactValue(t *testing.T) {
	v := validate.NewJSONSchemaValidator()
	schema := json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer","maximum":9007199254740992}}}`)

	assert.True(t, v.Validate([]byte(`{"id":9007199254740992}`), schema).Valid)
	assert.False(t, v.Validate([]byte(`{"id":9007199254740993}`), schema).Valid)
}

func TestValidate_TrailingDataIsInvalid(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`{"title":"ok","score":1} {"title":"again"}`), summarySchema)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Details[0], "not valid JSON")
}

func TestValidate_ContentNotJSON(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`Sure! Here is your JSON: {`), summarySchema)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Details[0], "not valid JSON")
}

func TestValidate_BrokenSchemaIsInvalidNotPanic(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	res := v.Validate([]byte(`{"title":"ok"}`), json.RawMessage(`{"type": 12}`))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Details[0], "compile schema")
}

func TestValidate_EmptySchemaAcceptsAnyJSON(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	assert.True(t, v.Validate([]byte(`[1,2,3]`), nil).Valid)
	assert.True(t, v.Validate([]byte(`{"a":1}`), json.RawMessage(`null`)).Valid)
}

func TestCompile(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	assert.NoError(t, v.Compile(summarySchema))
	assert.Error(t, v.Compile(json.RawMessage(`{"type": 12}`)))
	assert.Error(t, v.Compile(json.RawMessage(`not json`)))
	assert.NoError(t, v.Compile(nil))
	assert.NoError(t, v.Compile(json.RawMessage(`null`)))
}

func TestTransform_DecodesObject(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	out, err := v.Transform([]byte(`{"title":"ok","score":0.5,"tags":["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "title", Value: "ok"},
		{Key: "score", Value: 0.5},
		{Key: "tags", Value: bson.A{"a"}},
	}, out)
}

func TestTransform_KeepsIntegerPrecision(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	out, err := v.Transform([]byte(`{"id":9007199254740993,"n":7}`))
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "id", Value: int64(9007199254740993)},
		{Key: "n", Value: int32(7)},
	}, out)
}

func TestTransform_NonObjectContent(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	out, err := v.Transform([]byte(` [1, 2.5, "x"] `))
	require.NoError(t, err)
	assert.Equal(t, bson.A{int32(1), 2.5, "x"}, out)
}

func TestTransform_InvalidJSON(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	_, err := v.Transform([]byte(`{`))
	assert.Error(t, err)
}

func TestValidate_ConcurrentUseSharesCache(t *testing.T) {
	v := validate.NewJSONSchemaValidator()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, v.Validate([]byte(`{"title":"x","score":1}`), summarySchema).Valid)
		}()
	}
	wg.Wait()
}
