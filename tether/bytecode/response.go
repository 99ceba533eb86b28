package bytecode

import (
	"fmt"

	"github.com/TheusHen/tether/tether/codec"
	tcrypto "github.com/TheusHen/tether/tether/crypto"
)

// ResourceUsage is what executing an instruction cost the daemon.
type ResourceUsage struct {
	CPUTimeMs      uint64  `cbor:"1,keyasint" json:"cpu_time_ms"`
	MemoryBytes    uint64  `cbor:"2,keyasint" json:"memory_bytes"`
	GPUTimeMs      *uint64 `cbor:"3,keyasint,omitempty" json:"gpu_time_ms,omitempty"`
	DiskOperations uint32  `cbor:"4,keyasint" json:"disk_operations"`
}

// Response answers one Instruction. Result and Error are mutually
// exclusive: Success responses carry Result, failures carry Error.
type Response struct {
	RequestID       string
	Success         bool
	Result          Value
	Error           string
	ExecutionTimeMs uint64
	ResourceUsage   *ResourceUsage
}

func NewSuccess(requestID string, result Value, executionTimeMs uint64) *Response {
	return &Response{
		RequestID:       requestID,
		Success:         true,
		Result:          result,
		ExecutionTimeMs: executionTimeMs,
	}
}

func NewError(requestID, msg string, executionTimeMs uint64) *Response {
	return &Response{
		RequestID:       requestID,
		Error:           msg,
		ExecutionTimeMs: executionTimeMs,
	}
}

func (r *Response) WithResourceUsage(u ResourceUsage) *Response {
	r.ResourceUsage = &u
	return r
}

type wireResponse struct {
	RequestID       string         `cbor:"1,keyasint"`
	Success         bool           `cbor:"2,keyasint"`
	Result          any            `cbor:"3,keyasint,omitempty"`
	Error           string         `cbor:"4,keyasint,omitempty"`
	ExecutionTimeMs uint64         `cbor:"5,keyasint"`
	ResourceUsage   *ResourceUsage `cbor:"6,keyasint,omitempty"`
}

func (r *Response) Encode() ([]byte, error) {
	w := wireResponse{
		RequestID:       r.RequestID,
		Success:         r.Success,
		ExecutionTimeMs: r.ExecutionTimeMs,
		ResourceUsage:   r.ResourceUsage,
	}
	if r.Success {
		w.Result = Native(r.Result)
	} else {
		w.Error = r.Error
	}
	b, err := codec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: encode response: %v", tcrypto.ErrEncryption, err)
	}
	return b, nil
}

func DecodeResponse(data []byte) (*Response, error) {
	var w wireResponse
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", tcrypto.ErrDecryption, err)
	}
	r := &Response{
		RequestID:       w.RequestID,
		Success:         w.Success,
		Error:           w.Error,
		ExecutionTimeMs: w.ExecutionTimeMs,
		ResourceUsage:   w.ResourceUsage,
	}
	if w.Result != nil {
		v, err := FromNative(w.Result)
		if err != nil {
			return nil, fmt.Errorf("%w: response result: %v", tcrypto.ErrDecryption, err)
		}
		r.Result = v
	}
	return r, nil
}
