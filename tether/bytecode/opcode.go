// Package bytecode is the instruction format handhelds send to the
// daemon: an opcode, typed parameters and execution hints, answered by
// a Response.
package bytecode

import (
	"fmt"
	"strings"
)

// OpCode values are wire identifiers and must never be renumbered.
// The high nibble is the Family.
type OpCode uint8

const (
	Nop  OpCode = 0x00
	Halt OpCode = 0x01
	Echo OpCode = 0x02

	LlmQuery             OpCode = 0x10
	LlmChatCompletion    OpCode = 0x11
	LlmCodeGeneration    OpCode = 0x12
	LlmTextSummarization OpCode = 0x13

	ImageGenerate  OpCode = 0x20
	ImageEdit      OpCode = 0x21
	ImageUpscale   OpCode = 0x22
	ImageVariation OpCode = 0x23

	FileTransfer OpCode = 0x30
	FileList     OpCode = 0x31
	FileMetadata OpCode = 0x32
	FileDelete   OpCode = 0x33

	ComputeTask   OpCode = 0x40
	ComputeStatus OpCode = 0x41
	ComputeResult OpCode = 0x42
	ComputeCancel OpCode = 0x43

	StatusQuery     OpCode = 0x50
	CapabilityQuery OpCode = 0x51
	ResourceUsageOp OpCode = 0x52
	HealthCheck     OpCode = 0x53
)

var opNames = map[OpCode]string{
	Nop:                  "Nop",
	Halt:                 "Halt",
	Echo:                 "Echo",
	LlmQuery:             "LlmQuery",
	LlmChatCompletion:    "LlmChatCompletion",
	LlmCodeGeneration:    "LlmCodeGeneration",
	LlmTextSummarization: "LlmTextSummarization",
	ImageGenerate:        "ImageGenerate",
	ImageEdit:            "ImageEdit",
	ImageUpscale:         "ImageUpscale",
	ImageVariation:       "ImageVariation",
	FileTransfer:         "FileTransfer",
	FileList:             "FileList",
	FileMetadata:         "FileMetadata",
	FileDelete:           "FileDelete",
	ComputeTask:          "ComputeTask",
	ComputeStatus:        "ComputeStatus",
	ComputeResult:        "ComputeResult",
	ComputeCancel:        "ComputeCancel",
	StatusQuery:          "StatusQuery",
	CapabilityQuery:      "CapabilityQuery",
	ResourceUsageOp:      "ResourceUsage",
	HealthCheck:          "HealthCheck",
}

// OpCodes returns every defined opcode in numeric order.
func OpCodes() []OpCode {
	out := make([]OpCode, 0, len(opNames))
	for fam := System; fam <= Status; fam++ {
		for low := OpCode(0); low < 4; low++ {
			op := OpCode(fam)<<4 | low
			if op.Valid() {
				out = append(out, op)
			}
		}
	}
	return out
}

func (op OpCode) Valid() bool {
	_, ok := opNames[op]
	return ok
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpCode(0x%02x)", uint8(op))
}

// ParseOpCode accepts an opcode name, case-insensitively.
func ParseOpCode(name string) (OpCode, error) {
	for op, n := range opNames {
		if strings.EqualFold(n, name) {
			return op, nil
		}
	}
	return 0, fmt.Errorf("bytecode: unknown opcode %q", name)
}

func (op OpCode) Family() Family { return Family(op >> 4) }

// Family groups opcodes served by the same provider.
type Family uint8

const (
	System Family = iota
	LLM
	Image
	File
	Compute
	Status
)

func (f Family) String() string {
	switch f {
	case System:
		return "system"
	case LLM:
		return "llm"
	case Image:
		return "image"
	case File:
		return "file"
	case Compute:
		return "compute"
	case Status:
		return "status"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// ParseFamily is the inverse of Family.String.
func ParseFamily(s string) (Family, error) {
	for f := System; f <= Status; f++ {
		if strings.EqualFold(f.String(), s) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("bytecode: unknown family %q", s)
}
