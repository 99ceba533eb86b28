package bytecode

// Version is reported by CapabilityQuery and StatusQuery.
const Version = "1.0.0"

// Capabilities describes what a daemon will execute.
type Capabilities struct {
	LLMEnabled            bool
	LLMModels             []string
	ImageEnabled          bool
	ImageMaxResolution    [2]int
	FileTransferEnabled   bool
	FileMaxSize           int64
	FileAllowedTypes      []string
	ComputeEnabled        bool
	ComputeMaxDuration    int
	MaxConcurrentRequests int
	SupportedOpCodes      []OpCode
	DaemonVersion         string
}

// DefaultCapabilities is a daemon with only file transfer enabled.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		ImageMaxResolution:    [2]int{1024, 1024},
		FileTransferEnabled:   true,
		FileMaxSize:           10 << 20,
		FileAllowedTypes:      []string{"txt", "json", "md"},
		ComputeMaxDuration:    300,
		MaxConcurrentRequests: 10,
		SupportedOpCodes:      OpCodes(),
		DaemonVersion:         Version,
	}
}

// Supports reports whether op is in the supported list.
func (c Capabilities) Supports(op OpCode) bool {
	for _, s := range c.SupportedOpCodes {
		if s == op {
			return true
		}
	}
	return false
}

func stringArray(ss []string) Array {
	out := make(Array, len(ss))
	for i, s := range ss {
		out[i] = String(s)
	}
	return out
}

// Value renders the document as the CapabilityQuery result.
func (c Capabilities) Value() Value {
	ops := make(Array, len(c.SupportedOpCodes))
	for i, op := range c.SupportedOpCodes {
		ops[i] = String(op.String())
	}
	return Map{
		"llm": Map{
			"enabled": Boolean(c.LLMEnabled),
			"models":  stringArray(c.LLMModels),
		},
		"image": Map{
			"enabled":        Boolean(c.ImageEnabled),
			"max_resolution": Array{Integer(c.ImageMaxResolution[0]), Integer(c.ImageMaxResolution[1])},
		},
		"file_transfer": Map{
			"enabled":       Boolean(c.FileTransferEnabled),
			"max_size":      Integer(c.FileMaxSize),
			"allowed_types": stringArray(c.FileAllowedTypes),
		},
		"compute": Map{
			"enabled":      Boolean(c.ComputeEnabled),
			"max_duration": Integer(c.ComputeMaxDuration),
		},
		"max_concurrent_requests": Integer(c.MaxConcurrentRequests),
		"supported_opcodes":       ops,
		"daemon_version":          String(c.DaemonVersion),
	}
}
