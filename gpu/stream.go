// Package gpu implements AeroGPU: the command-stream VM that decodes a
// guest-issued D3D9/D3D11-shaped opcode stream, translates embedded
// shaders to WGSL, and drives a host GPU backend through the Adapter
// interface (spec §2 step 7, §4.3 "AeroGPU command stream wire format").
package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StreamMagic is the 4-byte 'A','C','M','D' tag at offset 0 of a command
// stream.
const StreamMagic = 0x444D4341 // "ACMD" little-endian as a u32

const streamHeaderLen = 24

// Header is the fixed header at the start of every AeroGPU command stream.
type Header struct {
	Magic       uint32
	ABIVersion  uint32
	SizeBytes   uint32
	Flags       uint32
	Reserved0   uint32
	Reserved1   uint32
}

// ABIMajor/ABIMinor split ABIVersion as (major<<16)|minor.
func (h Header) ABIMajor() uint16 { return uint16(h.ABIVersion >> 16) }
func (h Header) ABIMinor() uint16 { return uint16(h.ABIVersion) }

var (
	ErrStreamTooShort  = errors.New("gpu: command stream shorter than header")
	ErrBadStreamMagic  = errors.New("gpu: bad command stream magic")
	ErrUnsupportedABI  = errors.New("gpu: unsupported ABI major version")
	ErrPacketTruncated = errors.New("gpu: packet truncated")
)

// SupportedABIMajor is the ABI major version this executor implements;
// guest streams with a different major are rejected outright (spec §4.3
// "abi_version.major must match device").
const SupportedABIMajor = 1

// Packet is one decoded command: {opcode, size_bytes, payload}, 4-byte
// aligned per spec §4.3.
type Packet struct {
	Opcode uint32
	Size   uint32
	Body   []byte
}

// DecodeHeader parses the fixed header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < streamHeaderLen {
		return Header{}, ErrStreamTooShort
	}

	h := Header{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		ABIVersion: binary.LittleEndian.Uint32(buf[4:8]),
		SizeBytes:  binary.LittleEndian.Uint32(buf[8:12]),
		Flags:      binary.LittleEndian.Uint32(buf[12:16]),
		Reserved0:  binary.LittleEndian.Uint32(buf[16:20]),
		Reserved1:  binary.LittleEndian.Uint32(buf[20:24]),
	}

	if h.Magic != StreamMagic {
		return Header{}, ErrBadStreamMagic
	}

	if h.ABIMajor() != SupportedABIMajor {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedABI, h.ABIMajor(), SupportedABIMajor)
	}

	return h, nil
}

// Packets iterates the packets following the header in buf. buf must be
// exactly h.SizeBytes long (the caller fetched that many bytes from guest
// memory via the bus).
func Packets(buf []byte, h Header) ([]Packet, error) {
	if uint32(len(buf)) < h.SizeBytes {
		return nil, ErrStreamTooShort
	}

	var out []Packet

	off := streamHeaderLen
	for off < int(h.SizeBytes) {
		if off+8 > len(buf) {
			return nil, ErrPacketTruncated
		}

		opcode := binary.LittleEndian.Uint32(buf[off : off+4])
		size := binary.LittleEndian.Uint32(buf[off+4 : off+8])

		bodyStart := off + 8
		bodyEnd := bodyStart + int(size)
		if bodyEnd > len(buf) || bodyEnd > int(h.SizeBytes) {
			return nil, ErrPacketTruncated
		}

		out = append(out, Packet{Opcode: opcode, Size: size, Body: buf[bodyStart:bodyEnd]})

		// 4-byte align the next packet.
		next := bodyEnd
		if rem := next % 4; rem != 0 {
			next += 4 - rem
		}
		off = next
	}

	return out, nil
}
