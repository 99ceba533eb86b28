package bytecode

import (
	"fmt"

	"github.com/TheusHen/tether/tether/codec"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
)

// Timeout bounds in seconds.
const (
	MinTimeout = 1
	MaxTimeout = 3600
)

const (
	DefaultPriority = 128
	DefaultTimeout  = 30
)

// Instruction is one request to the daemon. Params holds the
// opcode-specific arguments checked by Validate.
type Instruction struct {
	OpCode         OpCode
	Params         Map
	RequestID      string
	Priority       uint8
	TimeoutSeconds uint32
}

// New returns an instruction with default priority and timeout.
func New(op OpCode, requestID string) *Instruction {
	return &Instruction{
		OpCode:         op,
		Params:         Map{},
		RequestID:      requestID,
		Priority:       DefaultPriority,
		TimeoutSeconds: DefaultTimeout,
	}
}

// With sets a parameter and returns the instruction for chaining.
func (in *Instruction) With(key string, v Value) *Instruction {
	if in.Params == nil {
		in.Params = Map{}
	}
	in.Params[key] = v
	return in
}

func NewLlmQuery(requestID, prompt, model string) *Instruction {
	in := New(LlmQuery, requestID).With("prompt", String(prompt))
	if model != "" {
		in.With("model", String(model))
	}
	in.TimeoutSeconds = 300
	return in
}

// NewLlmChat sends prompt with an optional system message.
func NewLlmChat(requestID, prompt, system string) *Instruction {
	in := New(LlmChatCompletion, requestID).With("prompt", String(prompt))
	if system != "" {
		in.With("system", String(system))
	}
	in.TimeoutSeconds = 300
	return in
}

func NewImageGenerate(requestID, prompt string, width, height int) *Instruction {
	in := New(ImageGenerate, requestID).
		With("prompt", String(prompt)).
		With("width", Integer(width)).
		With("height", Integer(height))
	in.TimeoutSeconds = 600
	return in
}

func NewFileTransfer(requestID, filename string, data []byte) *Instruction {
	in := New(FileTransfer, requestID).
		With("filename", String(filename)).
		With("data", Bytes(data))
	in.Priority = 100
	in.TimeoutSeconds = 120
	return in
}

func NewFileList(requestID string) *Instruction { return New(FileList, requestID) }

func NewCapabilityQuery(requestID string) *Instruction {
	in := New(CapabilityQuery, requestID)
	in.Priority = 200
	return in
}

func NewHealthCheck(requestID string) *Instruction {
	in := New(HealthCheck, requestID)
	in.Priority = 200
	in.TimeoutSeconds = 10
	return in
}

func NewStatusQuery(requestID string) *Instruction {
	in := New(StatusQuery, requestID)
	in.Priority = 200
	return in
}

// NewEcho is the liveness check: highest priority, short timeout.
func NewEcho(requestID, message string) *Instruction {
	in := New(Echo, requestID).With("message", String(message))
	in.Priority = 255
	in.TimeoutSeconds = 10
	return in
}

func NewNop(requestID string) *Instruction { return New(Nop, requestID) }

// required lists the parameters an opcode cannot run without.
var required = map[OpCode][]struct {
	key  string
	kind string
}{
	LlmQuery:          {{"prompt", "string"}},
	LlmChatCompletion: {{"prompt", "string"}},
	ImageGenerate:     {{"prompt", "string"}},
	FileTransfer:      {{"filename", "string"}, {"data", "bytes"}},
	Echo:              {{"message", "string"}},
}

// Validate checks the request id, the timeout range and the
// opcode-specific parameters. Failures wrap crypto.ErrInvalidKey.
func (in *Instruction) Validate() error {
	if !in.OpCode.Valid() {
		return fmt.Errorf("%w: unknown opcode 0x%02x", tcrypto.ErrInvalidKey, uint8(in.OpCode))
	}
	if in.RequestID == "" {
		return fmt.Errorf("%w: empty request id", tcrypto.ErrInvalidKey)
	}
	if in.TimeoutSeconds < MinTimeout || in.TimeoutSeconds > MaxTimeout {
		return fmt.Errorf("%w: timeout %ds outside [%d,%d]",
			tcrypto.ErrInvalidKey, in.TimeoutSeconds, MinTimeout, MaxTimeout)
	}
	for _, r := range required[in.OpCode] {
		v, ok := in.Params[r.key]
		if !ok || v == nil {
			return fmt.Errorf("%w: %s requires %q", tcrypto.ErrInvalidKey, in.OpCode, r.key)
		}
		if v.TypeName() != r.kind {
			return fmt.Errorf("%w: %s parameter %q must be %s, got %s",
				tcrypto.ErrInvalidKey, in.OpCode, r.key, r.kind, v.TypeName())
		}
	}
	return nil
}

func (in *Instruction) StringParam(key string) (string, bool) {
	v, ok := in.Params[key].(String)
	return string(v), ok
}

func (in *Instruction) IntParam(key string) (int64, bool) {
	v, ok := in.Params[key].(Integer)
	return int64(v), ok
}

func (in *Instruction) FloatParam(key string) (float64, bool) {
	switch v := in.Params[key].(type) {
	case Float:
		return float64(v), true
	case Integer:
		return float64(v), true
	}
	return 0, false
}

func (in *Instruction) BoolParam(key string) (bool, bool) {
	v, ok := in.Params[key].(Boolean)
	return bool(v), ok
}

func (in *Instruction) BytesParam(key string) ([]byte, bool) {
	v, ok := in.Params[key].(Bytes)
	return []byte(v), ok
}

type wireInstruction struct {
	OpCode         uint8          `cbor:"1,keyasint"`
	Params         map[string]any `cbor:"2,keyasint"`
	RequestID      string         `cbor:"3,keyasint"`
	Priority       uint8          `cbor:"4,keyasint"`
	TimeoutSeconds uint32         `cbor:"5,keyasint"`
}

func (in *Instruction) Encode() ([]byte, error) {
	params, _ := Native(in.Params).(map[string]any)
	b, err := codec.Marshal(wireInstruction{
		OpCode:         uint8(in.OpCode),
		Params:         params,
		RequestID:      in.RequestID,
		Priority:       in.Priority,
		TimeoutSeconds: in.TimeoutSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode instruction: %v", tcrypto.ErrEncryption, err)
	}
	return b, nil
}

// DecodeInstruction parses an encoded instruction. It does not validate.
func DecodeInstruction(data []byte) (*Instruction, error) {
	var w wireInstruction
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode instruction: %v", tcrypto.ErrInvalidKey, err)
	}
	in := &Instruction{
		OpCode:         OpCode(w.OpCode),
		Params:         Map{},
		RequestID:      w.RequestID,
		Priority:       w.Priority,
		TimeoutSeconds: w.TimeoutSeconds,
	}
	for k, raw := range w.Params {
		v, err := FromNative(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", tcrypto.ErrInvalidKey, k, err)
		}
		in.Params[k] = v
	}
	return in, nil
}
