package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrInvalidMessage is returned when a payload is not a JSON-RPC 2.0 value.
var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

// Message is a raw JSON-RPC 2.0 envelope. The transport inspects only the
// envelope and params._meta; everything else passes through untouched, so the
// app layer's exact byte-level params and results survive the round trip.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ParseMessage decodes and validates data as a JSON-RPC 2.0 value.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.JSONRPC != mcp.JSONRPC_VERSION {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrInvalidMessage, m.JSONRPC)
	}
	if m.Method == "" && len(m.Result) == 0 && len(m.Error) == 0 {
		return nil, fmt.Errorf("%w: neither method nor result/error present", ErrInvalidMessage)
	}
	if m.Method == "" && len(m.ID) == 0 {
		return nil, fmt.Errorf("%w: response without id", ErrInvalidMessage)
	}
	return &m, nil
}

// Encode serializes the message back to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsRequest reports whether the message carries both a method and an id.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0 && string(m.ID) != "null"
}

// IsNotification reports whether the message carries a method but no id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (len(m.ID) == 0 || string(m.ID) == "null")
}

// IsResponse reports whether the message carries a result or error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || len(m.Error) > 0)
}

// SetIDString replaces the message id with the given string value.
func (m *Message) SetIDString(id string) {
	raw, _ := json.Marshal(id)
	m.ID = raw
}

// IDKey returns a canonical string form of the id, usable as a map key.
// String ids are unquoted; numeric ids keep their literal form.
func (m *Message) IDKey() string {
	return rawToKey(m.ID)
}

// IDKeyOf returns the canonical key form of a raw id value, as IDKey does
// for a message's own id.
func IDKeyOf(raw json.RawMessage) string {
	return rawToKey(raw)
}

func rawToKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// paramsMap decodes params into a generic map, or an empty map when absent.
func (m *Message) paramsMap() (map[string]any, error) {
	params := make(map[string]any)
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return params, nil
}

// Meta returns params._meta as a map, or nil when absent.
func (m *Message) Meta() map[string]any {
	params, err := m.paramsMap()
	if err != nil {
		return nil
	}
	meta, _ := params["_meta"].(map[string]any)
	return meta
}

// ProgressToken returns the message's progress token in canonical string
// form: params._meta.progressToken on requests, params.progressToken on
// notifications/progress. Tokens may be strings or numbers on the wire; both
// map to a stable key.
func (m *Message) ProgressToken() string {
	params, err := m.paramsMap()
	if err != nil {
		return ""
	}
	if s := tokenString(params[MetaProgressToken]); s != "" {
		return s
	}
	meta, _ := params["_meta"].(map[string]any)
	if meta == nil {
		return ""
	}
	return tokenString(meta[MetaProgressToken])
}

func tokenString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// SetMetaField sets params._meta[key] = value, creating params and _meta as
// needed, and re-encodes params.
func (m *Message) SetMetaField(key string, value any) error {
	params, err := m.paramsMap()
	if err != nil {
		return err
	}
	meta, _ := params["_meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[key] = value
	params["_meta"] = meta

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	m.Params = raw
	return nil
}

// CapabilityName returns the identifier of the capability a request targets:
// params.name for tools/call and prompts/get, params.uri for resources/read,
// and "" for every other method.
func (m *Message) CapabilityName() string {
	var field string
	switch m.Method {
	case string(mcp.MethodToolsCall), string(mcp.MethodPromptsGet):
		field = "name"
	case string(mcp.MethodResourcesRead):
		field = "uri"
	default:
		return ""
	}
	params, err := m.paramsMap()
	if err != nil {
		return ""
	}
	name, _ := params[field].(string)
	return name
}
