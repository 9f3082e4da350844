package validate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

func TestValidate_OK(t *testing.T) {
	v := New(Config{})
	frame, err := v.Validate([]byte(`{"type":"client:ping","payload":{"ts":1}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeClientPing, frame.Type)
}

func TestValidate_TooLarge(t *testing.T) {
	v := New(Config{MaxMessageSize: 10})
	_, err := v.Validate([]byte(`{"type":"client:ping"}`))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ErrMessageTooLarge, ve.Code)
}

func TestValidate_InvalidJSON(t *testing.T) {
	v := New(Config{})
	_, err := v.Validate([]byte(`{not json`))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ErrInvalidJSON, ve.Code)
}

func TestValidate_MissingType(t *testing.T) {
	v := New(Config{})
	_, err := v.Validate([]byte(`{"payload":{}}`))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ErrInvalidMessage, ve.Code)
}

func TestValidate_TooDeep(t *testing.T) {
	v := New(Config{MaxJSONDepth: 3})
	// Build {"type":"client:ping","payload":{"x":{"x":{"x":{"x":{"x":1}}}}}} — six nested objects, over the limit of 3.
	var buf bytes.Buffer
	buf.WriteString(`{"type":"client:ping","payload":`)
	buf.WriteString(strings.Repeat(`{"x":`, 5))
	buf.WriteString("1")
	buf.WriteString(strings.Repeat("}", 5))
	buf.WriteString("}")

	_, err := v.Validate(buf.Bytes())
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ErrJSONTooDeep, ve.Code)
}

func TestValidate_NotTooDeep(t *testing.T) {
	v := New(Config{MaxJSONDepth: 10})
	_, err := v.Validate([]byte(`{"type":"client:ping","payload":{"a":{"b":1}}}`))
	require.NoError(t, err)
}
