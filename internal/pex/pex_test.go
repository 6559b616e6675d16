package pex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// optionalHeader32 mirrors the PE32 optional header layout.
type optionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]dataDir
}

const (
	textRVA    = 0x1000
	textOffset = 0x200
	textSize   = 0x200
	codeOffset = 0x100
)

// x86 code: push ebp; mov ebp, esp; xor eax, eax; pop ebp; ret
var entryCode = []byte{0x55, 0x89, 0xe5, 0x31, 0xc0, 0x5d, 0xc3}

// buildPE returns a minimal i386 PE32 image with one .text section. When
// managed is set the section starts with a CLI header and metadata root.
func buildPE(t *testing.T, managed bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}

	dos := make([]byte, 0x40)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	w(uint16(0x14c)) // i386
	w(uint16(1))     // sections
	w(uint32(0))     // timestamp
	w(uint32(0))     // symbol table
	w(uint32(0))     // symbols
	w(uint16(224))   // optional header size
	w(uint16(0x0102))

	oh := optionalHeader32{
		Magic:               0x10b,
		SizeOfCode:          textSize,
		AddressOfEntryPoint: textRVA + codeOffset,
		BaseOfCode:          textRVA,
		ImageBase:           0x400000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         0x2000,
		SizeOfHeaders:       textOffset,
		Subsystem:           3,
		NumberOfRvaAndSizes: 16,
	}
	if managed {
		oh.DataDirectory[comDescriptorIndex] = dataDir{RVA: textRVA, Size: clrHeaderSize}
	}
	w(oh)

	var name [8]byte
	copy(name[:], ".text")
	w(name)
	w(uint32(textSize))   // virtual size
	w(uint32(textRVA))    // virtual address
	w(uint32(textSize))   // raw size
	w(uint32(textOffset)) // raw pointer
	w(uint32(0))
	w(uint32(0))
	w(uint16(0))
	w(uint16(0))
	w(uint32(0x60000020))

	buf.Write(make([]byte, textOffset-buf.Len()))

	text := make([]byte, textSize)
	if managed {
		h := CLRHeader{
			Cb:                  clrHeaderSize,
			MajorRuntimeVersion: 2,
			MinorRuntimeVersion: 5,
			MetaData:            dataDir{RVA: textRVA + clrHeaderSize, Size: 0x20},
			Flags:               ComILOnly,
			EntryPointToken:     0x06000001,
		}
		var hb bytes.Buffer
		if err := binary.Write(&hb, binary.LittleEndian, h); err != nil {
			t.Fatal(err)
		}
		copy(text, hb.Bytes())

		root := text[clrHeaderSize:]
		binary.LittleEndian.PutUint32(root, metadataSignature)
		binary.LittleEndian.PutUint16(root[4:], 1)
		binary.LittleEndian.PutUint16(root[6:], 1)
		binary.LittleEndian.PutUint32(root[12:], 12)
		copy(root[16:], "v4.0.30319\x00\x00")
	}
	copy(text[codeOffset:], entryCode)
	buf.Write(text)
	return buf.Bytes()
}

func TestInspectManaged(t *testing.T) {
	f, err := NewFile(buildPE(t, true))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	info, err := f.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Machine != "i386" || info.Is64 {
		t.Errorf("machine = %s is64=%v, want i386 32-bit", info.Machine, info.Is64)
	}
	if info.RuntimeVersion != "v4.0.30319" {
		t.Errorf("RuntimeVersion = %q, want v4.0.30319", info.RuntimeVersion)
	}
	if info.CLRVersion != "2.5" {
		t.Errorf("CLRVersion = %q, want 2.5", info.CLRVersion)
	}
	if !info.ILOnly || info.Requires32Bit || info.VTableFixups {
		t.Errorf("flags = %+v", info)
	}
	if info.EntryToken != 0x06000001 {
		t.Errorf("EntryToken = 0x%x", info.EntryToken)
	}
	if len(info.Sections) != 1 || info.Sections[0].Name != ".text" {
		t.Errorf("Sections = %+v", info.Sections)
	}
}

func TestInspectNative(t *testing.T) {
	f, err := NewFile(buildPE(t, false))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if _, err := f.CLR(); !errors.Is(err, ErrNotCLR) {
		t.Errorf("CLR() err = %v, want ErrNotCLR", err)
	}
}

func TestNotPE(t *testing.T) {
	if _, err := NewFile([]byte("not a pe")); !errors.Is(err, ErrNotPE) {
		t.Errorf("err = %v, want ErrNotPE", err)
	}
}

func TestReadRVA(t *testing.T) {
	f, err := NewFile(buildPE(t, false))
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.ReadRVA(textRVA+codeOffset, len(entryCode))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, entryCode) {
		t.Errorf("ReadRVA = % x, want % x", got, entryCode)
	}
	if _, err := f.ReadRVA(0x9000, 4); !errors.Is(err, ErrNoRVA) {
		t.Errorf("unmapped RVA err = %v, want ErrNoRVA", err)
	}
}

func TestInspectPayload(t *testing.T) {
	p := InspectPayload("x86.dll", buildPE(t, false), 5)
	if p.Err != "" {
		t.Fatalf("Err = %s", p.Err)
	}
	if p.EntryPoint != textRVA+codeOffset {
		t.Errorf("EntryPoint = 0x%x", p.EntryPoint)
	}
	want := []string{"push ebp", "mov ebp, esp", "xor eax, eax", "pop ebp", "ret"}
	if len(p.Entry) != len(want) {
		t.Fatalf("decoded %d instructions, want %d:\n%s", len(p.Entry), len(want), Format(p.Entry))
	}
	for i, w := range want {
		if p.Entry[i].Text != w {
			t.Errorf("inst %d = %q, want %q", i, p.Entry[i].Text, w)
		}
	}

	bad := InspectPayload("junk.bin", []byte{1, 2, 3}, 5)
	if bad.Err == "" || bad.Size != 3 {
		t.Errorf("junk payload = %+v, want error and size 3", bad)
	}
}

func TestDisassembleTruncated(t *testing.T) {
	insts := Disassemble([]byte{0x90, 0xe8}, 0x1000, 64, 10)
	if len(insts) != 2 {
		t.Fatalf("decoded %d instructions, want 2", len(insts))
	}
	if insts[0].Text != "nop" {
		t.Errorf("first = %q, want nop", insts[0].Text)
	}
	if insts[1].Text != ".byte 0xe8" || insts[1].Addr != 0x1001 {
		t.Errorf("second = %+v, want .byte 0xe8 at 0x1001", insts[1])
	}
	if out := Format(insts); !strings.Contains(out, "0x00001001") {
		t.Errorf("Format missing address:\n%s", out)
	}
}
