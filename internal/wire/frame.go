// Package wire defines the JSON-RPC 2.0 frame model shared by the bridge
// server and the client SDK. Frames are newline- or message-delimited JSON
// objects; the bridge forwards unknown methods verbatim, so Params, Result
// and Error stay raw until a handler needs them.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only accepted jsonrpc version string.
const Version = "2.0"

// Method names crossing the bridge. Canonical names are retained for
// compatibility with existing Gemini CLI frontends.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodProvidePermission = "session/provide_permission"
	MethodSubmitAuthCode    = "gemini/submitAuthCode"
	MethodAuthenticate      = "gemini/authenticate"
	MethodAuthURL           = "gemini/authUrl"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodReplay            = "bridge/replay"
	MethodStructuredEvent   = "bridge/structured_event"
)

// Session update discriminators (params.update.sessionUpdate).
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdateEndOfTurn         = "end_of_turn"
)

// JSON-RPC error codes. Standard codes are reused; the bridge claims
// -32000 for file-tool I/O failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeIOError        = -32000
)

// ID is a JSON-RPC identifier: a string or an integer. The zero value is
// only meaningful behind a nil pointer (notifications carry no ID).
type ID struct {
	Str   string
	Num   int64
	IsNum bool
}

// NumberID returns a numeric identifier.
func NumberID(n int64) *ID { return &ID{Num: n, IsNum: true} }

// StringID returns a string identifier.
func StringID(s string) *ID { return &ID{Str: s} }

// String renders the identifier for logs and map keys.
func (id *ID) String() string {
	if id == nil {
		return ""
	}
	if id.IsNum {
		return strconv.FormatInt(id.Num, 10)
	}
	return id.Str
}

// Equal reports whether two identifiers refer to the same request.
func (id *ID) Equal(other *ID) bool {
	if id == nil || other == nil {
		return id == other
	}
	if id.IsNum != other.IsNum {
		return false
	}
	if id.IsNum {
		return id.Num == other.Num
	}
	return id.Str == other.Str
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsNum {
		return json.Marshal(id.Num)
	}
	return json.Marshal(id.Str)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("jsonrpc id must be a string or integer")
	}
	if data[0] == '"' {
		id.IsNum = false
		return json.Unmarshal(data, &id.Str)
	}
	id.IsNum = true
	return json.Unmarshal(data, &id.Num)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Frame is a single JSON-RPC 2.0 message. Requests carry ID+Method,
// notifications carry Method only, responses carry ID plus Result or Error.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether f expects a response.
func (f *Frame) IsRequest() bool { return f.ID != nil && f.Method != "" }

// IsNotification reports whether f is a fire-and-forget method call.
func (f *Frame) IsNotification() bool { return f.ID == nil && f.Method != "" }

// IsResponse reports whether f answers an earlier request.
func (f *Frame) IsResponse() bool { return f.ID != nil && f.Method == "" }

// NewRequest builds a request frame; params may be any marshalable value.
func NewRequest(id *ID, method string, params any) (Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response frame.
func NewResponse(id *ID, result any) (Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal result: %w", err)
	}
	return Frame{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id *ID, code int, message string) Frame {
	return Frame{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Parse decodes a frame and validates the version marker.
func Parse(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.JSONRPC != Version {
		return Frame{}, fmt.Errorf("unsupported jsonrpc version %q", f.JSONRPC)
	}
	return f, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
