/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v3"
)

// Compressor is the interface the data streams use for the on-wire
// compression of spec §4.3/§4.4. Discovery of a compressor plugin library is
// out of scope (spec §1); the core only uses this interface against a small
// built-in registry.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(dst []byte, src []byte) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Compressor{}
	defaultName string
)

func RegisterCompressor(c Compressor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
	if defaultName == "" {
		defaultName = c.Name()
	}
}

func LookupCompressor(name string) Compressor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

func DefaultCompressorName() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return defaultName
}

func init() {
	RegisterCompressor(newZstdCompressor())
	RegisterCompressor(newLZ4Compressor())
}

//
// zstd, wired from github.com/klauspost/compress/zstd
//

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() *zstdCompressor {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &zstdCompressor{enc: enc, dec: dec}
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, dst[:0])
}

//
// lz4, wired from github.com/pierrec/lz4/v3 (teacher's direct dependency)
//

type lz4Compressor struct{}

func newLZ4Compressor() *lz4Compressor { return &lz4Compressor{} }

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	ht := make([]int, 64*1024)
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, ht)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// incompressible per lz4's own heuristic: caller treats this like a
		// failed-to-shrink emission (spec §4.3 "incompressible" stream flag)
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (lz4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

var ErrIncompressible = NewError(KindMalformedFrame, "compressor: block did not shrink")
