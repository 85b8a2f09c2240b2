package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Request(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":"r1","method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`))
	require.NoError(t, err)

	assert.True(t, m.IsRequest())
	assert.False(t, m.IsNotification())
	assert.False(t, m.IsResponse())
	assert.Equal(t, "r1", m.IDKey())
	assert.Equal(t, "add", m.CapabilityName())
}

func TestParseMessage_NumericID(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":42,"method":"tools/list"}`))
	require.NoError(t, err)

	assert.True(t, m.IsRequest())
	assert.Equal(t, "42", m.IDKey())
}

func TestParseMessage_Notification(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)

	assert.True(t, m.IsNotification())
	assert.False(t, m.IsRequest())
}

func TestParseMessage_Response(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":"r1","result":{"value":3}}`))
	require.NoError(t, err)
	assert.True(t, m.IsResponse())

	m, err = ParseMessage([]byte(`{"jsonrpc":"2.0","id":"r1","error":{"code":-32601,"message":"nope"}}`))
	require.NoError(t, err)
	assert.True(t, m.IsResponse())
}

func TestParseMessage_Invalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"jsonrpc":"1.0","id":1,"method":"x"}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","result":{}}`,
	}
	for _, c := range cases {
		_, err := ParseMessage([]byte(c))
		assert.ErrorIs(t, err, ErrInvalidMessage, "payload: %s", c)
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"add","arguments":{"a":1.5,"b":[1,2,3]},"_meta":{"progressToken":"tok-1"}}}`)

	m, err := ParseMessage(raw)
	require.NoError(t, err)
	out, err := m.Encode()
	require.NoError(t, err)

	again, err := ParseMessage(out)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
	assert.Equal(t, m.ProgressToken(), again.ProgressToken())
}

func TestMessage_ProgressToken(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"_meta":{"progressToken":"tok"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "tok", m.ProgressToken())

	// Numeric tokens canonicalize to their literal form.
	m, err = ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"_meta":{"progressToken":12}}}`))
	require.NoError(t, err)
	assert.Equal(t, "12", m.ProgressToken())

	// Progress notifications carry the token at the top of params.
	m, err = ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok","progress":5}}`))
	require.NoError(t, err)
	assert.Equal(t, "tok", m.ProgressToken())

	m, err = ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`))
	require.NoError(t, err)
	assert.Empty(t, m.ProgressToken())
}

func TestMessage_SetMetaField(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add"}}`))
	require.NoError(t, err)

	require.NoError(t, m.SetMetaField(MetaClientPubkey, "abc123"))

	var params map[string]any
	require.NoError(t, json.Unmarshal(m.Params, &params))
	assert.Equal(t, "add", params["name"])
	meta := params["_meta"].(map[string]any)
	assert.Equal(t, "abc123", meta[MetaClientPubkey])

	// Params absent: _meta is created from scratch.
	m, err = ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	require.NoError(t, m.SetMetaField(MetaProgressToken, "t"))
	assert.Equal(t, "t", m.ProgressToken())
}

func TestMessage_CapabilityName(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add"}}`, "add"},
		{`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"greet"}}`, "greet"},
		{`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"file:///x"}}`, "file:///x"},
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, ""},
	}
	for _, c := range cases {
		m, err := ParseMessage([]byte(c.payload))
		require.NoError(t, err)
		assert.Equal(t, c.want, m.CapabilityName())
	}
}

func TestMessage_SetIDString(t *testing.T) {
	m, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":99,"method":"ping"}`))
	require.NoError(t, err)

	m.SetIDString("event-id-1")
	assert.Equal(t, "event-id-1", m.IDKey())
	assert.Equal(t, `"event-id-1"`, string(m.ID))
}
