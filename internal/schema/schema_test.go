package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const personSchema = `{
  "type": "object",
  "properties": {"name": {"type": "string"}, "age": {"type": "integer"}},
  "required": ["name"]
}`

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile([]byte(personSchema))
	require.NoError(t, err)
	require.NoError(t, s.Validate([]byte(`{"name":"ada","age":36}`)))
	require.Error(t, s.Validate([]byte(`{"age":36}`)))
}

func TestCompileRejectsEmptyAndMalformed(t *testing.T) {
	_, err := Compile(nil)
	require.Error(t, err)
	_, err = Compile([]byte("  "))
	require.Error(t, err)
	_, err = Compile([]byte(`{"type": "object",`))
	require.Error(t, err)
}
