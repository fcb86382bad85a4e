package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

type Envelope struct {
	JSONRPC string  `json:"jsonrpc,omitempty"`
	ID      string  `json:"id"`
	Call    *Call   `json:"call,omitempty"`
	Return  *Return `json:"return,omitempty"`
	Loop    *Loop   `json:"loop,omitempty"`
	Ack     *Ack    `json:"ack,omitempty"`
	Resends int     `json:"resends,omitempty"`
}

type Call struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Stack  string            `json:"stack,omitempty"`
}

type Return struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`
}

// Error is the wire shape of a failed call or loop.
type Error struct {
	Code    int             `json:"code"`
	ID      string          `json:"id,omitempty"`
	Message string          `json:"message"`
	Stack   string          `json:"stack,omitempty"`
	Handled bool            `json:"handled,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Loop struct {
	Output  *LoopOutput  `json:"output,omitempty"`
	Request *LoopRequest `json:"request,omitempty"`
}

// LoopOutput answers the loop request whose envelope id is Message.
type LoopOutput struct {
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data"`
	Done    bool              `json:"done"`
	Error   *Error            `json:"error,omitempty"`
}

// LoopRequest pulls the next batch of the loop named by Message.
type LoopRequest struct {
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type Ack struct {
	IDs []string `json:"ids"`
}

// Meta is attached to a return when the result was wrapped by a meta or
// active object.
type Meta struct {
	Cache  *CacheMeta  `json:"cache,omitempty"`
	Active *ActiveMeta `json:"active,omitempty"`
}

type CacheMeta struct {
	Tag      string `json:"tag,omitempty"`
	Key      string `json:"key,omitempty"`
	MaxAgeMs int64  `json:"max_age_ms,omitempty"`
}

type ActiveMeta struct {
	ID    string `json:"id"`
	TTLMs int64  `json:"ttl_ms"`
}

// Kind reports which section the envelope carries. It assumes ValidateBasic
// passed.
func (e Envelope) Kind() Kind {
	switch {
	case e.Call != nil:
		return KindCall
	case e.Return != nil:
		return KindReturn
	case e.Ack != nil:
		return KindAck
	case e.Loop != nil && e.Loop.Output != nil:
		return KindLoopOutput
	case e.Loop != nil && e.Loop.Request != nil:
		return KindLoopRequest
	}
	return ""
}

func (e Envelope) ValidateBasic() error {
	if e.JSONRPC != "" && e.JSONRPC != Version {
		return errors.New("invalid envelope: unsupported jsonrpc version " + e.JSONRPC)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("invalid envelope: id is required")
	}
	sections := 0
	if e.Call != nil {
		sections++
		if strings.TrimSpace(e.Call.Method) == "" {
			return errors.New("invalid envelope: call.method is required")
		}
	}
	if e.Return != nil {
		sections++
		if e.Return.Message == "" {
			return errors.New("invalid envelope: return.message is required")
		}
		if e.Return.Type != ReturnData && e.Return.Type != ReturnLoop {
			return errors.New("invalid envelope: return.type must be data or loop")
		}
	}
	if e.Loop != nil {
		sections++
		if (e.Loop.Output == nil) == (e.Loop.Request == nil) {
			return errors.New("invalid envelope: loop needs exactly one of output or request")
		}
	}
	if e.Ack != nil {
		sections++
	}
	if sections != 1 {
		return errors.New("invalid envelope: exactly one of call, return, loop, ack is required")
	}
	if e.Resends < 0 {
		return errors.New("invalid envelope: resends must be >= 0")
	}
	return nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeEnvelope stamps the protocol version and returns one
// newline-terminated line.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	env.JSONRPC = Version
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(b, '\n') >= 0 {
		return nil, errors.New("invalid envelope: encoded form contains a newline")
	}
	return append(b, '\n'), nil
}
