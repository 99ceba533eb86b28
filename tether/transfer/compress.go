package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompressionFailed   = errors.New("transfer: compression failed")
	ErrDecompressionFailed = errors.New("transfer: decompression failed")
	ErrCorrupt             = errors.New("transfer: content hash mismatch")
)

// CompressionLevel controls the speed/ratio tradeoff.
type CompressionLevel int

const (
	CompressionFast CompressionLevel = iota
	CompressionDefault
	CompressionBest
)

var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress compresses data using an LZ4 frame.
func Compress(data []byte, level CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)

	var opt lz4.Option
	switch level {
	case CompressionFast:
		opt = lz4.CompressionLevelOption(lz4.Fast)
	case CompressionBest:
		opt = lz4.CompressionLevelOption(lz4.Level9)
	default:
		opt = lz4.CompressionLevelOption(lz4.Level4)
	}
	if err := w.Apply(opt); err != nil {
		return nil, ErrCompressionFailed
	}

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. sizeHint preallocates the output.
func Decompress(data []byte, sizeHint int) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, ErrDecompressionFailed
	}
	return buf.Bytes(), nil
}

// chunk is one stored piece of a file. Hash covers the uncompressed data.
type chunk struct {
	Compressed bool   `cbor:"1,keyasint"`
	Data       []byte `cbor:"2,keyasint"`
	Hash       []byte `cbor:"3,keyasint"`
	Size       int    `cbor:"4,keyasint"`
}

// packChunks splits data into size-byte chunks, compressing each one
// only when the result is smaller.
func packChunks(data []byte, size int, level CompressionLevel) []chunk {
	var out []chunk
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		piece := data[off:end]
		c := chunk{Data: piece, Hash: HashChunk(piece), Size: len(piece)}
		if z, err := Compress(piece, level); err == nil && len(z) < len(piece) {
			c.Compressed = true
			c.Data = z
		}
		out = append(out, c)
	}
	return out
}

// unpackChunks restores the file and returns the verified chunk hashes.
func unpackChunks(chunks []chunk) ([]byte, [][]byte, error) {
	var (
		buf    bytes.Buffer
		hashes = make([][]byte, 0, len(chunks))
	)
	for i, c := range chunks {
		data := c.Data
		if c.Compressed {
			var err error
			if data, err = Decompress(c.Data, c.Size); err != nil {
				return nil, nil, err
			}
		}
		h := HashChunk(data)
		if !bytes.Equal(h, c.Hash) {
			return nil, nil, fmt.Errorf("%w: chunk %d", ErrCorrupt, i)
		}
		buf.Write(data)
		hashes = append(hashes, h)
	}
	return buf.Bytes(), hashes, nil
}
