/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"encoding/binary"
	"math"
)

// objectDataFrame is one decoded OBJECT_INSTANCE/DELTA/SLAVE_DELTA payload
// (spec §6.2 "object data frame payload").
type objectDataFrame struct {
	kind     uint32 // CmdObjectInstance | CmdObjectDelta | CmdObjectSlaveDelta, set by the dispatcher
	version  Version
	sequence uint32
	isLast   bool
	data     []byte // already decompressed
}

func decodeObjectDataPayload(bigEndian bool, payload []byte) (objectDataFrame, error) {
	var f objectDataFrame
	order := binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	r := newWireReader(order, payload)

	v128, err := r.u128()
	if err != nil {
		return f, err
	}
	f.version = Version(v128)

	dataSize, err := r.u64()
	if err != nil {
		return f, err
	}
	if f.sequence, err = r.u32(); err != nil {
		return f, err
	}
	last, err := r.u8()
	if err != nil {
		return f, err
	}
	f.isLast = last != 0

	compName, err := r.str()
	if err != nil {
		return f, err
	}
	nChunks, err := r.u32()
	if err != nil {
		return f, err
	}

	if compName == "" {
		raw, err := r.raw(int(dataSize))
		if err != nil {
			return f, err
		}
		f.data = append([]byte(nil), raw...)
		return f, nil
	}

	c := LookupCompressor(compName)
	if c == nil {
		return f, NewError(KindMalformedFrame, "unknown compressor %q", compName)
	}
	compressed := make([]byte, 0, 256)
	for i := uint32(0); i < nChunks; i++ {
		clen, err := r.u64()
		if err != nil {
			return f, err
		}
		chunk, err := r.raw(int(clen))
		if err != nil {
			return f, err
		}
		compressed = append(compressed, chunk...)
	}
	scratch := make([]byte, dataSize)
	out, err := c.Decompress(scratch, compressed)
	if err != nil {
		return f, err
	}
	f.data = out
	return f, nil
}

// DataIStream presents to apply_instance_data/unpack a byte stream already
// reassembled and decompressed across a logical stream's sequences (spec
// §4.4 "crossing a command boundary"): the reassembly itself happens one
// layer down, in slaveBase.popStream, which concatenates every sequence's
// already-decompressed objectDataFrame.data before a DataIStream ever sees
// it, so there is nothing left for this type to pull across command
// boundaries.
type DataIStream struct {
	bigEndian bool
	cur       *wireReader
}

// newDataIStreamFromRaw builds a stream over bytes a change manager has
// already reassembled and decompressed (slaveBase.popStream's output).
func newDataIStreamFromRaw(bigEndian bool, raw []byte) *DataIStream {
	order := binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	return &DataIStream{bigEndian: bigEndian, cur: newWireReader(order, raw)}
}

func (i *DataIStream) HasData() bool { return i.cur.remaining() > 0 }

// ensure guarantees at least n bytes remain in cur.
func (i *DataIStream) ensure(n int) error {
	if i.cur.remaining() < n {
		return ErrUnexpectedEnd
	}
	return nil
}

func (i *DataIStream) ReadUint8() (uint8, error) {
	if err := i.ensure(1); err != nil {
		return 0, err
	}
	return i.cur.u8()
}

func (i *DataIStream) ReadUint32() (uint32, error) {
	if err := i.ensure(4); err != nil {
		return 0, err
	}
	return i.cur.u32()
}

func (i *DataIStream) ReadUint64() (uint64, error) {
	if err := i.ensure(8); err != nil {
		return 0, err
	}
	return i.cur.u64()
}

func (i *DataIStream) ReadInt64() (int64, error) {
	v, err := i.ReadUint64()
	return int64(v), err
}

func (i *DataIStream) ReadBool() (bool, error) {
	v, err := i.ReadUint8()
	return v != 0, err
}

func (i *DataIStream) ReadFloat64() (float64, error) {
	v, err := i.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (i *DataIStream) ReadBytes() ([]byte, error) {
	n, err := i.ReadUint64()
	if err != nil {
		return nil, err
	}
	return i.GetRemainingBuffer(int(n))
}

func (i *DataIStream) ReadString() (string, error) {
	b, err := i.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadFixedBytes reads n raw bytes with no length prefix.
func (i *DataIStream) ReadFixedBytes(n int) ([]byte, error) {
	return i.GetRemainingBuffer(n)
}

func (i *DataIStream) ReadObjectRef() (ObjectVersion, error) {
	var ov ObjectVersion
	if err := i.ensure(32); err != nil {
		return ov, err
	}
	id, err := i.cur.u128()
	if err != nil {
		return ov, err
	}
	ver, err := i.cur.u128()
	if err != nil {
		return ov, err
	}
	ov.ID = ID(id)
	ov.Version = Version(ver)
	return ov, nil
}

// GetRemainingBuffer yields a view into the current buffer for n bytes; used
// for string/blob reads. No implicit swap is applied (spec §4.4).
func (i *DataIStream) GetRemainingBuffer(n int) ([]byte, error) {
	if err := i.ensure(n); err != nil {
		return nil, err
	}
	return i.cur.raw(n)
}

// ReadSlice reads a variable-length, length-prefixed sequence.
func ReadSlice[T any](i *DataIStream, dec func(*DataIStream) (T, error)) ([]T, error) {
	n, err := i.ReadUint64()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for k := uint64(0); k < n; k++ {
		v, err := dec(i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadMap reads a length-prefixed sequence of key/value pairs.
func ReadMap[K comparable, V any](i *DataIStream, decK func(*DataIStream) (K, error), decV func(*DataIStream) (V, error)) (map[K]V, error) {
	n, err := i.ReadUint64()
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, n)
	for k := uint64(0); k < n; k++ {
		key, err := decK(i)
		if err != nil {
			return nil, err
		}
		val, err := decV(i)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}
