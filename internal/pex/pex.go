// Package pex reads the parts of PE files the unpacker reports on: the CLI
// header of a managed executable and the headers and entry code of native
// payloads.
package pex

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Binject/debug/pe"
)

var (
	ErrNotPE  = errors.New("pex: not a PE file")
	ErrNotCLR = errors.New("pex: no CLI header")
	ErrNoRVA  = errors.New("pex: no section maps RVA")
)

// comDescriptorIndex is the data directory slot of the CLI header.
const comDescriptorIndex = 14

// File wraps a parsed PE image held in memory.
type File struct {
	PE   *pe.File
	data []byte
}

// Open reads and parses the PE file at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pex: read: %w", err)
	}
	return NewFile(data)
}

// NewFile parses a PE image from data.
func NewFile(data []byte) (*File, error) {
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPE, err)
	}
	return &File{PE: pf, data: data}, nil
}

// Size returns the image size in bytes.
func (f *File) Size() int { return len(f.data) }

// Is64 reports whether the image has a PE32+ optional header.
func (f *File) Is64() bool {
	_, ok := f.PE.OptionalHeader.(*pe.OptionalHeader64)
	return ok
}

// Machine returns a short name for the target machine.
func (f *File) Machine() string {
	switch f.PE.FileHeader.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "i386"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "amd64"
	}
	return fmt.Sprintf("0x%04x", f.PE.FileHeader.Machine)
}

// EntryPoint returns the RVA of the entry point.
func (f *File) EntryPoint() uint32 {
	switch oh := f.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.AddressOfEntryPoint
	case *pe.OptionalHeader64:
		return oh.AddressOfEntryPoint
	}
	return 0
}

// DataDirectory returns the RVA and size of data directory slot i.
func (f *File) DataDirectory(i int) (rva, size uint32) {
	switch oh := f.PE.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if i < int(oh.NumberOfRvaAndSizes) && i < len(oh.DataDirectory) {
			return oh.DataDirectory[i].VirtualAddress, oh.DataDirectory[i].Size
		}
	case *pe.OptionalHeader64:
		if i < int(oh.NumberOfRvaAndSizes) && i < len(oh.DataDirectory) {
			return oh.DataDirectory[i].VirtualAddress, oh.DataDirectory[i].Size
		}
	}
	return 0, 0
}

// ReadRVA reads up to n bytes at rva from the section that maps it. The
// result is clamped to the section's raw data.
func (f *File) ReadRVA(rva uint32, n int) ([]byte, error) {
	for _, s := range f.PE.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+size {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("pex: section %s: %w", s.Name, err)
		}
		off := int(rva - s.VirtualAddress)
		if off >= len(data) {
			return nil, fmt.Errorf("%w: 0x%x lies in uninitialized data of %s", ErrNoRVA, rva, s.Name)
		}
		end := off + n
		if end > len(data) {
			end = len(data)
		}
		return data[off:end], nil
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrNoRVA, rva)
}

// SectionInfo describes one section.
type SectionInfo struct {
	Name           string `json:"name"`
	VirtualAddress uint32 `json:"virtual_address"`
	VirtualSize    uint32 `json:"virtual_size"`
	RawSize        uint32 `json:"raw_size"`
}

// Sections returns the section table.
func (f *File) Sections() []SectionInfo {
	var out []SectionInfo
	for _, s := range f.PE.Sections {
		out = append(out, SectionInfo{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			RawSize:        s.Size,
		})
	}
	return out
}
