package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedError struct{ msg string }

func (e *namedError) Error() string     { return e.msg }
func (e *namedError) ErrorName() string { return "NamedError" }

func TestSerializeErrorNil(t *testing.T) {
	assert.Nil(t, SerializeError(nil))
}

func TestSerializeErrorPlain(t *testing.T) {
	serr := SerializeError(errors.New("boom"))
	require.NotNil(t, serr)
	assert.Equal(t, "Error", serr.Name)
	assert.Equal(t, "boom", serr.Message)
	assert.Nil(t, serr.Cause)
}

func TestSerializeErrorNamed(t *testing.T) {
	serr := SerializeError(&namedError{msg: "nope"})
	require.NotNil(t, serr)
	assert.Equal(t, "NamedError", serr.Name)
	assert.Equal(t, "nope", serr.Message)
}

func TestSerializeErrorPreservesWrapChain(t *testing.T) {
	root := errors.New("disk full")
	serr := SerializeError(fmt.Errorf("write report: %w", root))
	require.NotNil(t, serr)
	assert.Equal(t, "write report: disk full", serr.Message)
	require.NotNil(t, serr.Cause)
	assert.Equal(t, "disk full", serr.Cause.Message)
}

func TestSerializeErrorIdempotentOnDeserialized(t *testing.T) {
	original := SerializeError(fmt.Errorf("outer: %w", errors.New("inner")))

	raw, err := json.Marshal(original)
	require.NoError(t, err)
	var restored SerializedError
	require.NoError(t, json.Unmarshal(raw, &restored))

	again := SerializeError(&restored)
	assert.Equal(t, original.Message, again.Message)
	require.NotNil(t, again.Cause)
	assert.Equal(t, "inner", again.Cause.Message)
}

func TestSerializedErrorUnwrap(t *testing.T) {
	serr := &SerializedError{
		Name:    "Error",
		Message: "outer",
		Cause:   &SerializedError{Name: "Error", Message: "inner"},
	}
	assert.Equal(t, "outer", serr.Error())
	unwrapped := errors.Unwrap(serr)
	require.NotNil(t, unwrapped)
	assert.Equal(t, "inner", unwrapped.Error())
}

func TestSerializedErrorNamedFormatting(t *testing.T) {
	serr := &SerializedError{Name: "TimeoutError", Message: "took too long"}
	assert.Equal(t, "TimeoutError: took too long", serr.Error())
}
