package pex

// Payload summarizes a native library embedded as a manifest resource.
type Payload struct {
	Resource   string        `json:"resource"`
	Size       int           `json:"size"`
	Machine    string        `json:"machine,omitempty"`
	Is64       bool          `json:"is64"`
	EntryPoint uint32        `json:"entry_point,omitempty"`
	Sections   []SectionInfo `json:"sections,omitempty"`
	Entry      []Inst        `json:"entry,omitempty"`
	Err        string        `json:"error,omitempty"`
}

// entryWindow is how many bytes after the entry point are decoded.
const entryWindow = 64

// InspectPayload parses data as a PE image and decodes the first n
// instructions at its entry point. Problems are reported in Payload.Err
// rather than returned; a payload that is not a PE is still listed.
func InspectPayload(name string, data []byte, n int) Payload {
	p := Payload{Resource: name, Size: len(data)}
	f, err := NewFile(data)
	if err != nil {
		p.Err = err.Error()
		return p
	}
	p.Machine = f.Machine()
	p.Is64 = f.Is64()
	p.EntryPoint = f.EntryPoint()
	p.Sections = f.Sections()
	if p.EntryPoint == 0 || n <= 0 {
		return p
	}

	code, err := f.ReadRVA(p.EntryPoint, entryWindow)
	if err != nil {
		p.Err = err.Error()
		return p
	}
	mode := 32
	if p.Is64 {
		mode = 64
	}
	p.Entry = Disassemble(code, uint64(p.EntryPoint), mode, n)
	return p
}
