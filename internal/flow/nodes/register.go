package nodes

import "github.com/flowmesh/runtime/internal/noderegistry"

// All is the standard node set in the order they appear in the standard
// node semantics table.
var All = []noderegistry.Definition{
	HTTPIn,
	HTTPResponse,
	Function,
	Change,
	Switch,
	Template,
	JSON,
	Delay,
	Split,
	Join,
	Inject,
	Debug,
	HTTPRequest,
	Context,
	Catch,
	Status,
}

// Register adds every standard node definition to reg.
func Register(reg *noderegistry.Registry) {
	for _, def := range All {
		reg.Register(def)
	}
}
