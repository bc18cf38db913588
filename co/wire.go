/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"encoding/binary"
)

// wireWriter accumulates a byte buffer in a fixed byte order, matching the
// bit-exact layouts of spec §6.2.
type wireWriter struct {
	order binary.ByteOrder
	buf   []byte
}

func newWireWriter(order binary.ByteOrder) *wireWriter {
	return &wireWriter{order: order}
}

func (w *wireWriter) Bytes() []byte { return w.buf }
func (w *wireWriter) Len() int      { return len(w.buf) }

func (w *wireWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *wireWriter) u32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *wireWriter) u64(v uint64) {
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *wireWriter) u128(v [16]byte) {
	if w.order == binary.BigEndian {
		w.buf = append(w.buf, v[:]...)
		return
	}
	// little-endian u128: swap the two 64-bit halves' byte order
	var hi, lo [8]byte
	copy(hi[:], v[:8])
	copy(lo[:], v[8:])
	reverse(hi[:])
	reverse(lo[:])
	w.buf = append(w.buf, lo[:]...)
	w.buf = append(w.buf, hi[:]...)
}
func (w *wireWriter) raw(b []byte) { w.buf = append(w.buf, b...) }
func (w *wireWriter) str(s string) {
	w.u64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// wireReader reads primitives out of a byte slice in a fixed byte order,
// surfacing underrun as ErrUnexpectedEnd per spec §4.4.
type wireReader struct {
	order binary.ByteOrder
	buf   []byte
	off   int
}

func newWireReader(order binary.ByteOrder, buf []byte) *wireReader {
	return &wireReader{order: order, buf: buf}
}

func (r *wireReader) remaining() int { return len(r.buf) - r.off }

func (r *wireReader) need(n int) error {
	if r.remaining() < n {
		return ErrUnexpectedEnd
	}
	return nil
}

func (r *wireReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *wireReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *wireReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *wireReader) u128() ([16]byte, error) {
	var v [16]byte
	if err := r.need(16); err != nil {
		return v, err
	}
	if r.order == binary.BigEndian {
		copy(v[:], r.buf[r.off:r.off+16])
	} else {
		var hi, lo [8]byte
		copy(lo[:], r.buf[r.off:r.off+8])
		copy(hi[:], r.buf[r.off+8:r.off+16])
		reverse(hi[:])
		reverse(lo[:])
		copy(v[:8], hi[:])
		copy(v[8:], lo[:])
	}
	r.off += 16
	return v, nil
}

func (r *wireReader) raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *wireReader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	b, err := r.raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
