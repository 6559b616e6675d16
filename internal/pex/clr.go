package pex

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CLI header flags.
const (
	ComILOnly            = 0x00000001
	Com32BitRequired     = 0x00000002
	ComStrongNameSigned  = 0x00000008
	ComNativeEntryPoint  = 0x00000010
	Com32BitPreferred    = 0x00020000
	clrHeaderSize        = 72
	metadataSignature    = 0x424A5342 // "BSJB"
	maxMetadataVersion   = 255
	metadataVersionStart = 16
)

type dataDir struct {
	RVA  uint32
	Size uint32
}

// CLRHeader is the CLI header (IMAGE_COR20_HEADER) of a managed image.
type CLRHeader struct {
	Cb                  uint32
	MajorRuntimeVersion uint16
	MinorRuntimeVersion uint16
	MetaData            dataDir
	Flags               uint32
	EntryPointToken     uint32
	Resources           dataDir
	StrongNameSignature dataDir
	CodeManagerTable    dataDir
	VTableFixups        dataDir
	ExportAddressTable  dataDir
	ManagedNativeHeader dataDir
}

func (h *CLRHeader) ILOnly() bool          { return h.Flags&ComILOnly != 0 }
func (h *CLRHeader) Requires32Bit() bool   { return h.Flags&Com32BitRequired != 0 }
func (h *CLRHeader) HasVTableFixups() bool { return h.VTableFixups.Size != 0 }

// CLR reads the CLI header. It returns ErrNotCLR for native images.
func (f *File) CLR() (*CLRHeader, error) {
	rva, size := f.DataDirectory(comDescriptorIndex)
	if rva == 0 || size < clrHeaderSize {
		return nil, ErrNotCLR
	}
	raw, err := f.ReadRVA(rva, clrHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("pex: CLI header: %w", err)
	}
	if len(raw) < clrHeaderSize {
		return nil, fmt.Errorf("%w: truncated CLI header", ErrNotCLR)
	}
	var h CLRHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("pex: CLI header: %w", err)
	}
	return &h, nil
}

// MetadataVersion returns the version string of the metadata root, e.g.
// "v4.0.30319".
func (f *File) MetadataVersion(h *CLRHeader) (string, error) {
	raw, err := f.ReadRVA(h.MetaData.RVA, metadataVersionStart+maxMetadataVersion)
	if err != nil {
		return "", fmt.Errorf("pex: metadata root: %w", err)
	}
	if len(raw) < metadataVersionStart {
		return "", fmt.Errorf("%w: truncated metadata root", ErrNotCLR)
	}
	if sig := binary.LittleEndian.Uint32(raw); sig != metadataSignature {
		return "", fmt.Errorf("%w: metadata signature 0x%08x", ErrNotCLR, sig)
	}
	n := int(binary.LittleEndian.Uint32(raw[12:]))
	if n > len(raw)-metadataVersionStart {
		return "", fmt.Errorf("%w: metadata version length %d", ErrNotCLR, n)
	}
	v := raw[metadataVersionStart : metadataVersionStart+n]
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return string(v), nil
}

// Info summarizes a managed image.
type Info struct {
	Machine        string        `json:"machine"`
	Is64           bool          `json:"is64"`
	RuntimeVersion string        `json:"runtime_version"`
	CLRVersion     string        `json:"clr_header_version"`
	ILOnly         bool          `json:"il_only"`
	Requires32Bit  bool          `json:"requires_32bit"`
	VTableFixups   bool          `json:"vtable_fixups"`
	EntryToken     uint32        `json:"entry_token"`
	Sections       []SectionInfo `json:"sections"`
}

// Inspect returns the summary of a managed image.
func (f *File) Inspect() (*Info, error) {
	h, err := f.CLR()
	if err != nil {
		return nil, err
	}
	ver, err := f.MetadataVersion(h)
	if err != nil {
		return nil, err
	}
	return &Info{
		Machine:        f.Machine(),
		Is64:           f.Is64(),
		RuntimeVersion: ver,
		CLRVersion:     fmt.Sprintf("%d.%d", h.MajorRuntimeVersion, h.MinorRuntimeVersion),
		ILOnly:         h.ILOnly(),
		Requires32Bit:  h.Requires32Bit(),
		VTableFixups:   h.HasVTableFixups(),
		EntryToken:     h.EntryPointToken,
		Sections:       f.Sections(),
	}, nil
}
