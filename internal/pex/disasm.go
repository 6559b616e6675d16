package pex

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is a decoded x86 instruction with address and raw bytes.
type Inst struct {
	Addr uint64 `json:"addr"`
	Raw  []byte `json:"-"`
	Text string `json:"text"`
}

// Disassemble decodes up to limit instructions from code in 32- or 64-bit
// mode. Undecodable bytes are emitted as ".byte" and skipped one at a time.
func Disassemble(code []byte, base uint64, mode, limit int) []Inst {
	var out []Inst
	for off := 0; off < len(code) && len(out) < limit; {
		addr := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil || inst.Len == 0 {
			out = append(out, Inst{Addr: addr, Raw: code[off : off+1], Text: fmt.Sprintf(".byte 0x%02x", code[off])})
			off++
			continue
		}
		out = append(out, Inst{
			Addr: addr,
			Raw:  code[off : off+inst.Len],
			Text: x86asm.IntelSyntax(inst, addr, nil),
		})
		off += inst.Len
	}
	return out
}

// Format renders instructions as stable text: <addr>  <hex bytes>  <disasm>.
func Format(insts []Inst) string {
	var b strings.Builder
	for _, in := range insts {
		fmt.Fprintf(&b, "0x%08x  %-24x  %s\n", in.Addr, in.Raw, in.Text)
	}
	return b.String()
}
