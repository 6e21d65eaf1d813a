package wasi

import (
	"bytes"
	"errors"
	"fmt"

	leb128 "github.com/filecoin-project/go-leb128"
)

// Contracts are metered by rewriting their code before it is compiled. The
// module gets one more global, a mutable i64 exported as stepsExport, and
// every function body and every loop body starts by taking one step from
// it. A step taken at zero sets the counter to -1 and traps, so the sandbox
// can tell an exhausted budget from the script's own traps.
//
// Only globals are appended, so function, table and memory indices stay
// valid and nothing else in the module needs renumbering.

const stepsExport = "qi_steps"

var (
	errMalformed    = errors.New("malformed WebAssembly module")
	errStartSection = errors.New("start section is not supported, export _initialize instead")
)

const (
	secCustom byte = 0
	secImport byte = 2
	secGlobal byte = 6
	secExport byte = 7
	secStart  byte = 8
	secCode   byte = 10
)

// sectionRank is the order the binary format requires of known sections.
var sectionRank = map[byte]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 13: 6, 6: 7, 7: 8, 8: 9, 9: 10, 12: 11, 10: 12, 11: 13}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type wasmSection struct {
	id   byte
	body []byte
}

type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", errMalformed, fmt.Sprintf(format, args...), r.pos)
	}
	r.pos = len(r.b)
}

func (r *reader) done() bool {
	return r.err != nil || r.pos >= len(r.b)
}

func (r *reader) byte() byte {
	if r.pos >= len(r.b) {
		r.fail("unexpected end")
		return 0
	}
	b := r.b[r.pos]
	r.pos++
	return b
}

func (r *reader) bytes(n uint64) []byte {
	if n > uint64(len(r.b)-r.pos) {
		r.fail("length %d out of range", n)
		return nil
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out
}

// leb skips one LEB128 number, signed or not, and returns its encoding.
func (r *reader) leb() []byte {
	start := r.pos
	for {
		if r.pos >= len(r.b) || r.pos-start >= 10 {
			r.fail("bad LEB128")
			return nil
		}
		b := r.b[r.pos]
		r.pos++
		if b&0x80 == 0 {
			return r.b[start:r.pos]
		}
	}
}

func (r *reader) uleb() uint64 {
	raw := r.leb()
	if raw == nil {
		return 0
	}
	return leb128.ToUInt64(raw)
}

func (r *reader) name() string {
	return string(r.bytes(r.uleb()))
}

func (r *reader) limits() {
	flags := r.byte()
	r.leb()
	if flags&0x01 != 0 {
		r.leb()
	}
}

func isValType(b byte) bool {
	switch b {
	case 0x7f, 0x7e, 0x7d, 0x7c, 0x7b, 0x70, 0x6f:
		return true
	}
	return false
}

func (r *reader) blockType() {
	if r.pos < len(r.b) && (r.b[r.pos] == 0x40 || isValType(r.b[r.pos])) {
		r.pos++
		return
	}
	r.leb()
}

func encodeSection(id byte, body []byte) []byte {
	out := append([]byte{id}, leb128.FromUInt64(uint64(len(body)))...)
	return append(out, body...)
}

func parseSections(code []byte) ([]wasmSection, error) {
	if len(code) < len(wasmHeader) || !bytes.Equal(code[:len(wasmHeader)], wasmHeader) {
		return nil, fmt.Errorf("%w: bad header", errMalformed)
	}
	r := &reader{b: code, pos: len(wasmHeader)}
	var sections []wasmSection
	for !r.done() {
		id := r.byte()
		body := r.bytes(r.uleb())
		sections = append(sections, wasmSection{id: id, body: body})
	}
	return sections, r.err
}

// stepCode takes one step from the counter in global g:
//
//	global.get g; i64.eqz
//	if
//	  i64.const -1; global.set g; unreachable
//	end
//	global.get g; i64.const 1; i64.sub; global.set g
func stepCode(g uint32) []byte {
	idx := leb128.FromUInt64(uint64(g))
	var b []byte
	b = append(b, 0x23)
	b = append(b, idx...)
	b = append(b, 0x50, 0x04, 0x40, 0x42, 0x7f, 0x24)
	b = append(b, idx...)
	b = append(b, 0x00, 0x0b, 0x23)
	b = append(b, idx...)
	b = append(b, 0x42, 0x01, 0x7d, 0x24)
	return append(b, idx...)
}

// instrument returns code with step metering added.
func instrument(code []byte) ([]byte, error) {
	sections, err := parseSections(code)
	if err != nil {
		return nil, err
	}

	var importedGlobals, definedGlobals uint64
	for _, s := range sections {
		switch s.id {
		case secStart:
			return nil, errStartSection
		case secImport:
			if importedGlobals, err = countImportedGlobals(s.body); err != nil {
				return nil, err
			}
		case secGlobal:
			r := &reader{b: s.body}
			definedGlobals = r.uleb()
			if r.err != nil {
				return nil, r.err
			}
		case secExport:
			if err := checkExportNames(s.body); err != nil {
				return nil, err
			}
		}
	}
	global := importedGlobals + definedGlobals
	if global > 1<<32-1 {
		return nil, fmt.Errorf("%w: too many globals", errMalformed)
	}
	step := stepCode(uint32(global))

	// counter: mutable i64 starting at zero
	counter := []byte{0x7e, 0x01, 0x42, 0x00, 0x0b}
	export := append(append(leb128.FromUInt64(uint64(len(stepsExport))), stepsExport...), 0x03)
	export = append(export, leb128.FromUInt64(global)...)

	needGlobal, needExport := true, true
	out := append([]byte(nil), wasmHeader...)
	// emit adds the sections the module lacks ahead of a section of rank.
	emit := func(rank int) {
		if needGlobal && sectionRank[secGlobal] < rank {
			out = append(out, encodeSection(secGlobal, append(leb128.FromUInt64(1), counter...))...)
			needGlobal = false
		}
		if needExport && sectionRank[secExport] < rank {
			out = append(out, encodeSection(secExport, append(leb128.FromUInt64(1), export...))...)
			needExport = false
		}
	}
	for _, s := range sections {
		if s.id == secCustom {
			out = append(out, encodeSection(s.id, s.body)...)
			continue
		}
		emit(sectionRank[s.id])
		body := s.body
		switch s.id {
		case secGlobal:
			body = appendEntry(s.body, counter)
			needGlobal = false
		case secExport:
			body = appendEntry(s.body, export)
			needExport = false
		case secCode:
			if body, err = meterCode(s.body, step); err != nil {
				return nil, err
			}
		}
		out = append(out, encodeSection(s.id, body)...)
	}
	emit(len(sectionRank) + 1)
	return out, nil
}

// appendEntry adds one entry to a vector-shaped section body.
func appendEntry(body, entry []byte) []byte {
	r := &reader{b: body}
	n := r.uleb()
	out := append(leb128.FromUInt64(n+1), body[r.pos:]...)
	return append(out, entry...)
}

func countImportedGlobals(body []byte) (uint64, error) {
	r := &reader{b: body}
	var globals uint64
	for n := r.uleb(); n > 0 && r.err == nil; n-- {
		r.name()
		r.name()
		switch kind := r.byte(); kind {
		case 0x00: // func
			r.leb()
		case 0x01: // table
			r.byte()
			r.limits()
		case 0x02: // memory
			r.limits()
		case 0x03: // global
			r.byte()
			r.byte()
			globals++
		case 0x04: // tag
			r.byte()
			r.leb()
		default:
			r.fail("unknown import kind %#x", kind)
		}
	}
	return globals, r.err
}

func checkExportNames(body []byte) error {
	r := &reader{b: body}
	for n := r.uleb(); n > 0 && r.err == nil; n-- {
		if r.name() == stepsExport {
			return fmt.Errorf("export %s is reserved", stepsExport)
		}
		r.byte()
		r.leb()
	}
	return r.err
}

func meterCode(body []byte, step []byte) ([]byte, error) {
	r := &reader{b: body}
	n := r.uleb()
	out := append([]byte(nil), leb128.FromUInt64(n)...)
	for i := uint64(0); i < n && r.err == nil; i++ {
		fn := r.bytes(r.uleb())
		if r.err != nil {
			break
		}
		metered, err := meterFunction(fn, step)
		if err != nil {
			return nil, fmt.Errorf("function body %d: %w", i, err)
		}
		out = append(append(out, leb128.FromUInt64(uint64(len(metered)))...), metered...)
	}
	if r.err == nil && r.pos != len(body) {
		r.fail("trailing bytes in code section")
	}
	return out, r.err
}

// meterFunction inserts step at the start of the body and of every loop.
func meterFunction(fn []byte, step []byte) ([]byte, error) {
	r := &reader{b: fn}
	for groups := r.uleb(); groups > 0 && r.err == nil; groups-- {
		r.leb()
		r.byte()
	}
	if r.err != nil {
		return nil, r.err
	}
	out := append(append([]byte(nil), fn[:r.pos]...), step...)
	mark := r.pos
	for depth := 1; depth > 0; {
		if r.done() {
			r.fail("unterminated function body")
			return nil, r.err
		}
		op := r.byte()
		switch op {
		case 0x02, 0x04: // block, if
			r.blockType()
			depth++
		case 0x03: // loop
			r.blockType()
			depth++
			out = append(append(out, fn[mark:r.pos]...), step...)
			mark = r.pos
		case 0x0b:
			depth--
		default:
			if err := r.immediates(op); err != nil {
				return nil, err
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(fn) {
		return nil, fmt.Errorf("%w: code after function end", errMalformed)
	}
	return append(out, fn[mark:]...), nil
}

// immediates skips the operands of op.
func (r *reader) immediates(op byte) error {
	switch {
	case op == 0x00, op == 0x01, op == 0x05, op == 0x0f, op == 0x1a, op == 0x1b, op == 0xd1:
	case op >= 0x45 && op <= 0xc4:
	case op == 0x0c, op == 0x0d, op == 0x10, op >= 0x20 && op <= 0x26, op == 0xd2:
		r.leb()
	case op == 0x0e: // br_table
		for n := r.uleb(); n > 0 && r.err == nil; n-- {
			r.leb()
		}
		r.leb()
	case op == 0x11: // call_indirect
		r.leb()
		r.leb()
	case op == 0x1c: // select t*
		r.bytes(r.uleb())
	case op >= 0x28 && op <= 0x3e: // memarg
		r.leb()
		r.leb()
	case op == 0x3f, op == 0x40, op == 0x41, op == 0x42:
		r.leb()
	case op == 0x43:
		r.bytes(4)
	case op == 0x44:
		r.bytes(8)
	case op == 0xd0:
		r.byte()
	case op == 0xfc:
		return r.miscImmediates(r.uleb())
	case op == 0xfd:
		return r.vectorImmediates(r.uleb())
	default:
		return fmt.Errorf("unsupported opcode %#x", op)
	}
	return r.err
}

func (r *reader) miscImmediates(sub uint64) error {
	switch {
	case sub <= 7: // saturating truncation
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		r.leb()
	case sub == 8, sub == 10, sub == 12, sub == 14:
		r.leb()
		r.leb()
	default:
		return fmt.Errorf("unsupported opcode 0xfc %d", sub)
	}
	return r.err
}

func (r *reader) vectorImmediates(sub uint64) error {
	switch {
	case sub <= 11, sub == 92, sub == 93: // loads and stores
		r.leb()
		r.leb()
	case sub == 12, sub == 13: // v128.const, i8x16.shuffle
		r.bytes(16)
	case sub >= 21 && sub <= 34: // lane access
		r.byte()
	case sub >= 84 && sub <= 91: // lane loads and stores
		r.leb()
		r.leb()
		r.byte()
	case sub <= 0xff:
	default:
		return fmt.Errorf("unsupported opcode 0xfd %d", sub)
	}
	return r.err
}
