package render

// Theme holds colors for call graph and CFG rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string

	// Edge colors by call kind.
	EdgeCall     string // call to a method of the module
	EdgeVirtual  string // callvirt
	EdgeNewobj   string // constructor call through newobj
	EdgeFtn      string // ldftn/ldvirtftn
	EdgeExternal string // any call to a referenced member

	// CFG branch colors.
	BranchTaken string
	BranchFall  string

	// Node accents.
	EntryBorder  string // entry block of a CFG
	TermFill     string // blocks ending in ret, throw or endfinally
	ExternalText string // referenced members

	// Cluster styling.
	ClusterBorder string // subgraph cluster border
	ClusterLabel  string // subgraph cluster label text
}

// NASA is the NASA/Bauhaus theme: geometric, monochrome, sparse color.
var NASA = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",

	EdgeCall:     "#424242", // dark gray
	EdgeVirtual:  "#0B3D91", // NASA blue
	EdgeNewobj:   "#00695C", // teal
	EdgeFtn:      "#E65100", // deep orange
	EdgeExternal: "#9E9E9E", // gray

	BranchTaken: "#0B3D91",
	BranchFall:  "#FC3D21", // NASA red

	EntryBorder:  "#0B3D91",
	TermFill:     "#ECEFF1", // blue-gray 50
	ExternalText: "#9E9E9E",

	ClusterBorder: "#BDBDBD",
	ClusterLabel:  "#757575",
}
