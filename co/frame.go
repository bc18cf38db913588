/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import "encoding/binary"

// CommandType distinguishes node-scope from object-scope frames (spec §6.2).
type CommandType uint32

const (
	CommandTypeNode   CommandType = 0
	CommandTypeObject CommandType = 1
	CommandTypeCustom CommandType = 128
)

// MinFrameSize: frames smaller than this are zero-padded on send so the
// first-header-read can always succeed against a known minimum (spec §6.2).
const MinFrameSize = 256

// FrameHeader is the bit-exact layout of spec §6.2. For node-scope frames
// ObjectID/InstanceID are omitted.
type FrameHeader struct {
	BigEndian  bool // sender's encoded endianness flag
	Type       CommandType
	Command    uint32
	ObjectID   ID     // object-scope only
	InstanceID uint32 // object-scope only
}

func (h FrameHeader) order() binary.ByteOrder {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// EncodeFrame serialises header+payload into one wire frame, padding to
// MinFrameSize if the encoded frame would otherwise be shorter.
func EncodeFrame(h FrameHeader, payload []byte) []byte {
	order := h.order()
	w := newWireWriter(order)
	// placeholder for total_size, patched at the end
	w.u64(0)
	w.u32(uint32(h.Type))
	w.u32(h.Command)
	if h.Type == CommandTypeObject {
		w.u128(h.ObjectID)
		w.u32(h.InstanceID)
	}
	w.raw(payload)

	buf := w.Bytes()
	if len(buf) < MinFrameSize {
		pad := make([]byte, MinFrameSize-len(buf))
		buf = append(buf, pad...)
	}
	// total_size = bytes from here (after the u64 itself) to end of frame
	order.PutUint64(buf[:8], uint64(len(buf)-8))
	return buf
}

// DecodeFrame parses a complete wire frame (as produced by EncodeFrame) into
// its header and the remaining payload (including any trailing pad, which
// callers ignore past an explicit reconstructed Content-Length of their own
// protocol if they embed one — the object-data payload below is explicit,
// self-delimiting on chunk lengths).
func DecodeFrame(bigEndian bool, frame []byte) (FrameHeader, []byte, error) {
	h := FrameHeader{BigEndian: bigEndian}
	order := h.order()
	r := newWireReader(order, frame)

	totalSize, err := r.u64()
	if err != nil {
		return h, nil, err
	}
	if totalSize > (1 << 48) {
		return h, nil, NewError(KindMalformedFrame, "frame size field %d exceeds 2^48", totalSize)
	}
	typ, err := r.u32()
	if err != nil {
		return h, nil, err
	}
	h.Type = CommandType(typ)
	if h.Command, err = r.u32(); err != nil {
		return h, nil, err
	}
	if h.Type == CommandTypeObject {
		if h.ObjectID, err = r.u128(); err != nil {
			return h, nil, err
		}
		if h.InstanceID, err = r.u32(); err != nil {
			return h, nil, err
		}
	}
	return h, frame[r.off:], nil
}
