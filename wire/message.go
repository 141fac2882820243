package wire

import (
	"fmt"
	"sort"
)

// Type tags a message. Requests come from clients, replies from the server.
type Type uint8

const (
	// Requests.
	TypeSaslTokenRequest Type = iota + 1
	TypeSaslTokenStep
	TypeExecuteStatement
	TypeRequestTableSpaceDump
	TypeOpenScanner
	TypeFetchScannerData
	TypeCloseScanner

	// Replies.
	TypeSaslServerResponse
	TypeExecuteStatementResult
	TypeResultSetChunk
	TypeAck
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeSaslTokenRequest:
		return "sasl_token_request"
	case TypeSaslTokenStep:
		return "sasl_token_step"
	case TypeExecuteStatement:
		return "execute_statement"
	case TypeRequestTableSpaceDump:
		return "request_tablespace_dump"
	case TypeOpenScanner:
		return "open_scanner"
	case TypeFetchScannerData:
		return "fetch_scanner_data"
	case TypeCloseScanner:
		return "close_scanner"
	case TypeSaslServerResponse:
		return "sasl_server_response"
	case TypeExecuteStatementResult:
		return "execute_statement_result"
	case TypeResultSetChunk:
		return "resultset_chunk"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Message is one framed protocol unit: a type tag plus a keyed parameter bag.
// Replies correlate to their request through ReplyTo.
type Message struct {
	ID      int64          `cbor:"id"`
	ReplyTo int64          `cbor:"replyTo,omitempty"`
	Type    Type           `cbor:"type"`
	Params  map[string]any `cbor:"params,omitempty"`
}

// NewMessage builds a message of the given type.
func NewMessage(t Type, params map[string]any) *Message {
	if params == nil {
		params = map[string]any{}
	}
	return &Message{Type: t, Params: params}
}

// SetParam sets one parameter and returns the message for chaining.
func (m *Message) SetParam(key string, value any) *Message {
	if m.Params == nil {
		m.Params = map[string]any{}
	}
	m.Params[key] = value
	return m
}

// String returns the parameter as a string ("" when absent or mistyped).
func (m *Message) String(key string) string {
	s, _ := m.Params[key].(string)
	return s
}

// Int returns the parameter as an int, tolerating the integer widths the
// codec may produce.
func (m *Message) Int(key string, def int) int {
	switch v := m.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case int32:
		return int(v)
	default:
		return def
	}
}

// Int64 returns the parameter as an int64.
func (m *Message) Int64(key string, def int64) int64 {
	switch v := m.Params[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case int32:
		return int64(v)
	default:
		return def
	}
}

// Bytes returns the parameter as a byte slice (nil when absent).
func (m *Message) Bytes(key string) []byte {
	b, _ := m.Params[key].([]byte)
	return b
}

// List returns the parameter as a slice of values (nil when absent). Typed
// slices set by in-process callers are widened so local and decoded messages
// read the same way.
func (m *Message) List(key string) []any {
	switch v := m.Params[key].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}

// ErrorReply builds an error reply carrying the cause's message.
func ErrorReply(cause error) *Message {
	return NewMessage(TypeError, map[string]any{"error": cause.Error()})
}

// Ack builds an acknowledge reply.
func Ack() *Message {
	return NewMessage(TypeAck, nil)
}

// SaslServerResponse builds a SASL challenge reply.
func SaslServerResponse(token []byte) *Message {
	return NewMessage(TypeSaslServerResponse, map[string]any{"token": token})
}

// ExecuteStatementResult builds a statement-result reply. otherData may be
// nil.
func ExecuteStatementResult(updateCount int, otherData map[string]any) *Message {
	msg := NewMessage(TypeExecuteStatementResult, map[string]any{"updateCount": updateCount})
	if otherData != nil {
		msg.SetParam("data", otherData)
	}
	return msg
}

// ResultSetChunk builds one chunk of a streamed result set.
func ResultSetChunk(txID *int64, scannerID string, columns []string, rows []map[string]any, last bool) *Message {
	msg := NewMessage(TypeResultSetChunk, map[string]any{
		"scannerId": scannerID,
		"columns":   columns,
		"rows":      rows,
		"last":      last,
	})
	if txID != nil {
		msg.SetParam("tx", *txID)
	}
	return msg
}

// SortedKeys returns the parameter keys in stable order, for diagnostics.
func (m *Message) SortedKeys() []string {
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
