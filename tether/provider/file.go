package provider

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/dispatch"
	"github.com/TheusHen/tether/tether/transfer"
)

// Files serves the file opcodes from a local spool. It has a single
// implicit endpoint.
type Files struct {
	spool        *transfer.Spool
	clock        clock.Clock
	maxSize      int64
	allowedTypes map[string]bool
}

// NewFiles serves spool. An empty allowedTypes accepts every extension.
func NewFiles(spool *transfer.Spool, clk clock.Clock, maxSize int64, allowedTypes []string) *Files {
	f := &Files{spool: spool, clock: clk, maxSize: maxSize, allowedTypes: map[string]bool{}}
	for _, t := range allowedTypes {
		f.allowedTypes[strings.ToLower(strings.TrimPrefix(t, "."))] = true
	}
	return f
}

func (*Files) Name() string            { return "files" }
func (*Files) Family() bytecode.Family { return bytecode.File }

func (*Files) Endpoints() []dispatch.Endpoint {
	return []dispatch.Endpoint{{Name: "spool", Enabled: true}}
}

func manifestValue(m transfer.Manifest) bytecode.Map {
	return bytecode.Map{
		"filename":    bytecode.String(m.Name),
		"size":        bytecode.Integer(m.Size),
		"stored_at":   bytecode.Integer(m.Time().Unix()),
		"merkle_root": bytecode.String(hex.EncodeToString(m.MerkleRoot)),
		"chunks":      bytecode.Integer(m.Chunks),
	}
}

func (f *Files) checkType(name string) error {
	if len(f.allowedTypes) == 0 {
		return nil
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !f.allowedTypes[ext] {
		return fmt.Errorf("files: type %q not allowed", ext)
	}
	return nil
}

func (f *Files) Execute(_ context.Context, in *bytecode.Instruction, _ dispatch.Endpoint) (bytecode.Value, error) {
	name, _ := in.StringParam("filename")

	switch in.OpCode {
	case bytecode.FileTransfer:
		data, _ := in.BytesParam("data")
		if f.maxSize > 0 && int64(len(data)) > f.maxSize {
			return nil, fmt.Errorf("files: %d bytes exceeds limit of %d", len(data), f.maxSize)
		}
		if err := f.checkType(name); err != nil {
			return nil, err
		}
		m, err := f.spool.Put(name, data, f.clock.Now())
		if err != nil {
			return nil, err
		}
		return manifestValue(m), nil

	case bytecode.FileList:
		list, err := f.spool.List()
		if err != nil {
			return nil, err
		}
		out := make(bytecode.Array, len(list))
		for i, m := range list {
			out[i] = manifestValue(m)
		}
		return out, nil

	case bytecode.FileMetadata:
		if want, _ := in.BoolParam("include_data"); want {
			data, m, repaired, err := f.spool.Get(name)
			if err != nil {
				return nil, err
			}
			v := manifestValue(m)
			v["data"] = bytecode.Bytes(data)
			v["repaired_shards"] = bytecode.Integer(repaired)
			return v, nil
		}
		m, err := f.spool.Stat(name)
		if err != nil {
			return nil, err
		}
		return manifestValue(m), nil

	case bytecode.FileDelete:
		if err := f.spool.Delete(name); err != nil {
			return nil, err
		}
		return bytecode.Map{"filename": bytecode.String(name), "deleted": bytecode.Boolean(true)}, nil
	}
	return nil, fmt.Errorf("files: unsupported opcode %s", in.OpCode)
}
