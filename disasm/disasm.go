// Package disasm prints the machine code of Code objects with their
// relocations resolved to builtin, stub and external reference names.
package disasm

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/tliron/commonlog"
	"golang.org/x/arch/x86/x86asm"

	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

var log = commonlog.GetLogger("heapsnap.disasm")

// Line is one decoded instruction or data word.
type Line struct {
	Offset int
	Addr   uint64
	Raw    []byte
	Text   string
	// Comment describes the relocated operands inside Raw.
	Comment string
}

func (l Line) String() string {
	s := fmt.Sprintf("%#x %5d  %-24x %s", l.Addr, l.Offset, l.Raw, l.Text)
	if l.Comment != "" {
		s += "  ;; " + l.Comment
	}
	return s
}

// Symbols resolves code and data addresses of one isolate.
type Symbols struct {
	iso   *isolate.Isolate
	names map[uint64]string
}

func NewSymbols(iso *isolate.Isolate) *Symbols {
	s := &Symbols{iso: iso, names: make(map[uint64]string)}
	for b := isolate.Builtin(0); b < isolate.BuiltinCount; b++ {
		if code := iso.BuiltinCode(b); code.IsHeapObject() {
			s.names[uint64(code.Address()+heap.CodeHeaderSize)] = b.String()
		}
	}
	for _, ref := range iso.ExternalReferenceTable().Entries() {
		s.names[uint64(ref.Address)] = ref.Name
	}
	return s
}

// Lookup has the signature x86asm.GoSyntax expects.
func (s *Symbols) Lookup(addr uint64) (string, uint64) {
	if name, ok := s.names[addr]; ok {
		return name, addr
	}
	return "", 0
}

// describe names the target of a relocation.
func (s *Symbols) describe(ri *heap.RelocInfo) string {
	h := s.iso.Heap()
	switch ri.Mode {
	case heap.RelocEmbeddedObject:
		v := h.TargetObject(ri)
		if v.IsSmi() {
			return fmt.Sprintf("smi %d", v.Smi())
		}
		t := h.InstanceTypeOf(v.Address())
		if t.IsString() {
			str := h.StringContent(v.Address())
			if len(str) > 24 {
				str = str[:24] + "..."
			}
			return fmt.Sprintf("%s %q", t, str)
		}
		return t.String()
	case heap.RelocCodeTarget:
		code := heap.CodeFromEntry(h.TargetAddress(ri))
		if b, ok := s.iso.LookupBuiltin(code); ok {
			return "builtin " + b.String()
		}
		if key := h.CodeStubKey(code); key != uint32(isolate.NoCacheKey) {
			return "stub " + isolate.StubKey(key).String()
		}
		return h.CodeKindOf(code).String() + " code"
	case heap.RelocCell:
		return fmt.Sprintf("cell %#x", uint64(h.TargetCell(ri)))
	case heap.RelocExternalReference, heap.RelocRuntimeEntry:
		if name, _ := s.Lookup(uint64(h.TargetAddress(ri))); name != "" {
			return name
		}
		return fmt.Sprintf("unknown %#x", uint64(h.TargetAddress(ri)))
	case heap.RelocInternalReference:
		return fmt.Sprintf("entry+%d", h.TargetAddress(ri)-(ri.Host+heap.CodeHeaderSize))
	}
	return "?"
}

// Code disassembles a Code object. Jump table words are printed as data.
func Code(iso *isolate.Isolate, code heap.Address) []Line {
	return CodeWithSymbols(NewSymbols(iso), code)
}

// CodeWithSymbols is Code with a shared symbol table.
func CodeWithSymbols(syms *Symbols, code heap.Address) []Line {
	h := syms.iso.Heap()
	entry := code + heap.CodeHeaderSize
	insns := append([]byte(nil), h.CodeInstructions(code)...)

	comments := make(map[int]string)
	data := make(map[int]bool)
	for _, ri := range h.RelocInfos(code, heap.RelocModeMaskAll) {
		off := int(ri.PC - entry)
		comments[off] = ri.Mode.String() + ": " + syms.describe(&ri)
		if ri.Mode == heap.RelocInternalReference {
			data[off] = true
		}
	}

	var out []Line
	for off := 0; off < len(insns); {
		line := Line{Offset: off, Addr: uint64(entry) + uint64(off)}
		if data[off] && off+heap.PointerSize <= len(insns) {
			line.Raw = insns[off : off+heap.PointerSize]
			line.Text = fmt.Sprintf(".quad %#x", binary.LittleEndian.Uint64(line.Raw))
			line.Comment = comments[off]
			out = append(out, line)
			off += heap.PointerSize
			continue
		}
		inst, err := x86asm.Decode(insns[off:], 64)
		size := inst.Len
		if err != nil || size == 0 || inst.Op == 0 {
			size = 1
			line.Text = "?"
			log.Debugf("undecodable byte %#02x at offset %d of code %#x", insns[off], off, uint64(code))
		} else {
			line.Text = x86asm.GoSyntax(inst, line.Addr, syms.Lookup)
		}
		line.Raw = insns[off : off+size]
		var notes []string
		for i := off; i < off+size; i++ {
			if c, ok := comments[i]; ok {
				notes = append(notes, c)
			}
		}
		line.Comment = strings.Join(notes, "; ")
		out = append(out, line)
		off += size
	}
	return out
}

// Fprint writes a header for code followed by its lines.
func Fprint(w io.Writer, iso *isolate.Isolate, code heap.Address, lines []Line) error {
	h := iso.Heap()
	name := h.CodeKindOf(code).String()
	if b, ok := iso.LookupBuiltin(code); ok {
		name += " " + b.String()
	}
	if _, err := fmt.Fprintf(w, "--- %s, %d instruction bytes ---\n", name, h.CodeInstructionSize(code)); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
