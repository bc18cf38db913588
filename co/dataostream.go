/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"encoding/binary"
	"math"
)

// DataOStream translates typed writes from get_instance_data/pack into a
// sequence of wire commands targeted at a fixed set of receivers (spec §4.3).
// A single stream is used by one thread at a time; per-connection
// LockSend/UnlockSend serialises multiple streams targeting the same
// connection.
type DataOStream struct {
	cfg       streamConfig
	kind      uint32 // CmdObjectInstance | CmdObjectDelta | CmdObjectSlaveDelta
	objectID  ID
	instance  uint32
	version   Version
	receivers []Connection

	w        *wireWriter
	sequence uint32
	enabled  bool

	enableSave     bool
	saved          []byte
	incompressible bool
}

type streamConfig struct {
	flushThreshold  int   // CO_OBJECT_BUFFER_SIZE, default 60000
	compressMinSize int64 // default 1023
	chunkSize       int   // wire sub-chunk size for a compressed payload
}

func defaultStreamConfig() streamConfig {
	return streamConfig{flushThreshold: 60000, compressMinSize: 1023, chunkSize: 16 * 1024}
}

func NewDataOStream(objectID ID, instanceID uint32, cfg *streamConfig) *DataOStream {
	c := defaultStreamConfig()
	if cfg != nil {
		c = *cfg
	}
	return &DataOStream{cfg: c, objectID: objectID, instance: instanceID}
}

// Enable begins a new logical stream at a given version, targeted at
// receivers, carrying frames of the given object-scope command kind.
func (o *DataOStream) Enable(kind uint32, receivers []Connection, version Version) {
	o.kind = kind
	o.receivers = receivers
	o.version = version
	o.sequence = 0
	o.w = newWireWriter(binary.LittleEndian)
	o.enabled = true
	o.saved = nil
	o.incompressible = false
}

// EnableSave retains the full emitted buffer for later resends.
func (o *DataOStream) EnableSave() { o.enableSave = true }

func (o *DataOStream) ensure() {
	if o.w == nil {
		o.w = newWireWriter(binary.LittleEndian)
	}
	if len(o.w.Bytes()) >= o.cfg.flushThreshold {
		o.Flush(false)
	}
}

func (o *DataOStream) WriteUint8(v uint8)   { o.w.u8(v); o.ensure() }
func (o *DataOStream) WriteUint32(v uint32) { o.w.u32(v); o.ensure() }
func (o *DataOStream) WriteUint64(v uint64) { o.w.u64(v); o.ensure() }
func (o *DataOStream) WriteInt64(v int64)   { o.WriteUint64(uint64(v)) }
func (o *DataOStream) WriteBool(v bool) {
	if v {
		o.WriteUint8(1)
	} else {
		o.WriteUint8(0)
	}
}
func (o *DataOStream) WriteFloat64(v float64) { o.WriteUint64(math.Float64bits(v)) }

// WriteBytes writes a length-prefixed raw byte array.
func (o *DataOStream) WriteBytes(b []byte) {
	o.w.str(string(b))
	o.ensure()
}

func (o *DataOStream) WriteString(s string) {
	o.w.str(s)
	o.ensure()
}

// WriteFixedBytes writes n raw bytes with no length prefix — the fixed-
// length-array-of-trivially-copyable-T case of spec §4.3.
func (o *DataOStream) WriteFixedBytes(b []byte) {
	o.w.raw(b)
	o.ensure()
}

// WriteObjectRef serialises a reference-counted pointer-to-object as its
// ObjectVersion (spec §4.3).
func (o *DataOStream) WriteObjectRef(ov ObjectVersion) {
	o.w.u128(ov.ID)
	o.w.u128([16]byte(ov.Version))
	o.ensure()
}

// WriteSlice writes a variable-length, length-prefixed sequence.
func WriteSlice[T any](o *DataOStream, v []T, enc func(*DataOStream, T)) {
	o.WriteUint64(uint64(len(v)))
	for _, e := range v {
		enc(o, e)
	}
}

// WriteMap writes a length-prefixed sequence of key/value pairs (ordered and
// unordered maps/sets share this wire shape per spec §4.3).
func WriteMap[K comparable, V any](o *DataOStream, m map[K]V, encK func(*DataOStream, K), encV func(*DataOStream, V)) {
	o.WriteUint64(uint64(len(m)))
	for k, v := range m {
		encK(o, k)
		encV(o, v)
	}
}

// Flush emits the remaining buffer as one wire command. If compression
// shrinks the payload it is recorded with the compressor's name and a chunk
// list; otherwise the stream is marked incompressible and future flushes of
// this stream skip the attempt (spec §4.3).
func (o *DataOStream) Flush(last bool) []byte {
	if o.w == nil {
		o.w = newWireWriter(binary.LittleEndian)
	}
	raw := o.w.Bytes()
	frame := o.buildFrame(raw, last)

	if o.enableSave {
		o.saved = append(o.saved, raw...)
	}
	o.w = newWireWriter(binary.LittleEndian)
	o.sequence++
	return frame
}

func (o *DataOStream) buildFrame(raw []byte, last bool) []byte {
	compressorName := ""
	var chunks [][]byte

	if !o.incompressible && int64(len(raw)) > o.cfg.compressMinSize {
		if c := LookupCompressor(DefaultCompressorName()); c != nil {
			compressed, err := c.Compress(raw)
			if err == nil && len(compressed) < len(raw) {
				compressorName = c.Name()
				chunks = splitChunks(compressed, o.cfg.chunkSize)
			} else {
				o.incompressible = true
			}
		}
	}

	payload := newWireWriter(binary.LittleEndian)
	payload.u128([16]byte(o.version))
	payload.u64(uint64(len(raw)))
	payload.u32(o.sequence)
	payload.u8(boolToU8(last))
	payload.str(compressorName)
	if compressorName != "" {
		payload.u32(uint32(len(chunks)))
		for _, c := range chunks {
			payload.u64(uint64(len(c)))
			payload.raw(c)
		}
	} else {
		payload.u32(1)
		payload.raw(raw)
	}

	return EncodeFrame(FrameHeader{
		Type:       CommandTypeObject,
		Command:    o.kind,
		ObjectID:   o.objectID,
		InstanceID: o.instance,
	}, payload.Bytes())
}

func splitChunks(b []byte, size int) [][]byte {
	if size <= 0 {
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	if len(out) == 0 {
		out = [][]byte{{}}
	}
	return out
}

func boolToU8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// Disable flushes any remainder as the last frame and releases the buffer
// unless EnableSave was set.
func (o *DataOStream) Disable() []byte {
	frame := o.Flush(true)
	o.enabled = false
	return frame
}

// Saved returns the full retained buffer, valid only when EnableSave was
// called before the first Flush.
func (o *DataOStream) Saved() []byte { return o.saved }
