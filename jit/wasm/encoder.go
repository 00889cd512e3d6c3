// Package wasm provides the minimal WASM binary-format encoder the Tier-1
// and Tier-2 compilers use to turn a lowered instruction list into an
// actual WebAssembly module, which github.com/tetratelabs/wazero then
// instantiates. This is what makes "WASM function table slot" in
// CompiledBlockHandle.table_index (spec §3) a literal mechanism rather than
// a metaphor, and is the concrete vehicle for the browser-deployment goal
// named in spec.md §1.
package wasm

import "bytes"

// ValType is a WASM value type byte.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opEnd         = 0x0B
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI64Add      = 0x7C
	opI64Sub      = 0x7D
	opI64And      = 0x83
	opI64Or       = 0x84
	opI64Xor      = 0x85
	opI64Shl      = 0x86
	opI64ShrU     = 0x88
	opI64ShrS     = 0x87
	opI64Mul      = 0x7E
	opI32WrapI64  = 0xA7
	blockTypeVoid = 0x40
)

func uLEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func sLEB128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// FuncType describes a WASM function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Import is a host function import, e.g. "env"."mem_load".
type Import struct {
	Module, Name string
	Type         FuncType
}

// Function is one locally-defined function body, expressed as raw encoded
// instruction bytes (built with the Emit* helpers below) plus its locals.
type Function struct {
	Type   FuncType
	Locals []ValType
	Body   []byte
}

// Module builds a complete encodable WASM binary module.
type Module struct {
	Imports   []Import
	Functions []Function
	// ExportName is the name under which the single defined function (index
	// len(Imports)) is exported; this is the block's callable entry point.
	ExportName string
}

func vecTypeSection(types [][2][]ValType) []byte {
	var buf bytes.Buffer
	buf.Write(uLEB128(uint64(len(types))))
	for _, t := range types {
		buf.WriteByte(0x60) // functype tag
		buf.Write(uLEB128(uint64(len(t[0]))))
		for _, p := range t[0] {
			buf.WriteByte(byte(p))
		}
		buf.Write(uLEB128(uint64(len(t[1]))))
		for _, r := range t[1] {
			buf.WriteByte(byte(r))
		}
	}
	return buf.Bytes()
}

func section(id byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(id)
	buf.Write(uLEB128(uint64(len(payload))))
	buf.Write(payload)
	return buf.Bytes()
}

// Encode serializes the module to the WASM binary format (magic + version +
// type/import/function/export/code sections), matching the order the WASM
// spec requires.
func (m *Module) Encode() []byte {
	var out bytes.Buffer
	out.WriteString("\x00asm")
	out.Write([]byte{1, 0, 0, 0})

	// Collect all distinct function types: imports first, then defined funcs.
	var types [][2][]ValType
	typeIndex := func(ft FuncType) uint32 {
		for i, t := range types {
			if sameSig(t, ft) {
				return uint32(i)
			}
		}
		types = append(types, [2][]ValType{ft.Params, ft.Results})
		return uint32(len(types) - 1)
	}

	importTypeIdx := make([]uint32, len(m.Imports))
	for i, imp := range m.Imports {
		importTypeIdx[i] = typeIndex(imp.Type)
	}
	funcTypeIdx := make([]uint32, len(m.Functions))
	for i, f := range m.Functions {
		funcTypeIdx[i] = typeIndex(f.Type)
	}

	out.Write(section(1, vecTypeSection(types)))

	if len(m.Imports) > 0 {
		var buf bytes.Buffer
		buf.Write(uLEB128(uint64(len(m.Imports))))
		for i, imp := range m.Imports {
			buf.Write(uLEB128(uint64(len(imp.Module))))
			buf.WriteString(imp.Module)
			buf.Write(uLEB128(uint64(len(imp.Name))))
			buf.WriteString(imp.Name)
			buf.WriteByte(0x00) // func import
			buf.Write(uLEB128(uint64(importTypeIdx[i])))
		}
		out.Write(section(2, buf.Bytes()))
	}

	if len(m.Functions) > 0 {
		var buf bytes.Buffer
		buf.Write(uLEB128(uint64(len(m.Functions))))
		for _, idx := range funcTypeIdx {
			buf.Write(uLEB128(uint64(idx)))
		}
		out.Write(section(3, buf.Bytes()))
	}

	if m.ExportName != "" && len(m.Functions) > 0 {
		var buf bytes.Buffer
		buf.Write(uLEB128(1))
		buf.Write(uLEB128(uint64(len(m.ExportName))))
		buf.WriteString(m.ExportName)
		buf.WriteByte(0x00)
		buf.Write(uLEB128(uint64(len(m.Imports)))) // function index of the first defined func
		out.Write(section(7, buf.Bytes()))
	}

	if len(m.Functions) > 0 {
		var buf bytes.Buffer
		buf.Write(uLEB128(uint64(len(m.Functions))))
		for _, f := range m.Functions {
			body := encodeFunctionBody(f)
			buf.Write(uLEB128(uint64(len(body))))
			buf.Write(body)
		}
		out.Write(section(10, buf.Bytes()))
	}

	return out.Bytes()
}

func sameSig(t [2][]ValType, ft FuncType) bool {
	if len(t[0]) != len(ft.Params) || len(t[1]) != len(ft.Results) {
		return false
	}
	for i := range t[0] {
		if t[0][i] != ft.Params[i] {
			return false
		}
	}
	for i := range t[1] {
		if t[1][i] != ft.Results[i] {
			return false
		}
	}
	return true
}

func encodeFunctionBody(f Function) []byte {
	var buf bytes.Buffer
	// Each local is emitted as its own run of count 1; consecutive locals
	// of the same type are not grouped.
	buf.Write(uLEB128(uint64(len(f.Locals))))
	for _, l := range f.Locals {
		buf.Write(uLEB128(1))
		buf.WriteByte(byte(l))
	}
	buf.Write(f.Body)
	buf.WriteByte(opEnd)
	return buf.Bytes()
}

// Builder accumulates instruction bytes for one function body.
type Builder struct {
	buf bytes.Buffer
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

func (b *Builder) LocalGet(i uint32) *Builder {
	b.buf.WriteByte(opLocalGet)
	b.buf.Write(uLEB128(uint64(i)))
	return b
}

func (b *Builder) LocalSet(i uint32) *Builder {
	b.buf.WriteByte(opLocalSet)
	b.buf.Write(uLEB128(uint64(i)))
	return b
}

func (b *Builder) LocalTee(i uint32) *Builder {
	b.buf.WriteByte(opLocalTee)
	b.buf.Write(uLEB128(uint64(i)))
	return b
}

func (b *Builder) I64Const(v int64) *Builder {
	b.buf.WriteByte(opI64Const)
	b.buf.Write(sLEB128(v))
	return b
}

func (b *Builder) I32Const(v int32) *Builder {
	b.buf.WriteByte(opI32Const)
	b.buf.Write(sLEB128(int64(v)))
	return b
}

func (b *Builder) I64Add() *Builder { b.buf.WriteByte(opI64Add); return b }
func (b *Builder) I64Sub() *Builder { b.buf.WriteByte(opI64Sub); return b }
func (b *Builder) I64And() *Builder { b.buf.WriteByte(opI64And); return b }
func (b *Builder) I64Or() *Builder  { b.buf.WriteByte(opI64Or); return b }
func (b *Builder) I64Xor() *Builder { b.buf.WriteByte(opI64Xor); return b }
func (b *Builder) I64Mul() *Builder { b.buf.WriteByte(opI64Mul); return b }
func (b *Builder) I64Shl() *Builder { b.buf.WriteByte(opI64Shl); return b }
func (b *Builder) I64ShrU() *Builder { b.buf.WriteByte(opI64ShrU); return b }
func (b *Builder) I64ShrS() *Builder { b.buf.WriteByte(opI64ShrS); return b }
func (b *Builder) I32WrapI64() *Builder { b.buf.WriteByte(opI32WrapI64); return b }

func (b *Builder) Call(funcIdx uint32) *Builder {
	b.buf.WriteByte(opCall)
	b.buf.Write(uLEB128(uint64(funcIdx)))
	return b
}

func (b *Builder) Return() *Builder { b.buf.WriteByte(opReturn); return b }

// Block opens a void-typed block; callers must close it with End.
func (b *Builder) Block() *Builder { b.buf.WriteByte(opBlock); b.buf.WriteByte(blockTypeVoid); return b }
func (b *Builder) Loop() *Builder  { b.buf.WriteByte(opLoop); b.buf.WriteByte(blockTypeVoid); return b }
func (b *Builder) End() *Builder   { b.buf.WriteByte(opEnd); return b }
func (b *Builder) Br(depth uint32) *Builder {
	b.buf.WriteByte(opBr)
	b.buf.Write(uLEB128(uint64(depth)))
	return b
}
func (b *Builder) BrIf(depth uint32) *Builder {
	b.buf.WriteByte(opBrIf)
	b.buf.Write(uLEB128(uint64(depth)))
	return b
}
func (b *Builder) Unreachable() *Builder { b.buf.WriteByte(opUnreachable); return b }
