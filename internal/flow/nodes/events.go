package nodes

import (
	"context"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// Catch and Status have no real Execute body: the engine subscribes their
// instances directly to the error/status event buses (see
// internal/flow.Engine.wireCatchAndStatusNodes) and drives their outputs
// from there, bypassing Execute entirely. These definitions exist so a
// catch/status node mistakenly wired as an ordinary target still does
// something well-defined (pass its input through) instead of nil-panicking.

var Catch = noderegistry.Definition{
	Type:     "catch",
	Category: "input",
	Inputs:   0,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		return in, nil
	},
}

var Status = noderegistry.Definition{
	Type:     "status",
	Category: "input",
	Inputs:   0,
	Outputs:  1,
	Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
		return in, nil
	},
}
