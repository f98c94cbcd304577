package logic

import (
	"github.com/veridian-controls/bmscore/internal/types"
)

// Generic is the catch-all for units with no dedicated sequence. It keeps
// the unit enabled and refreshes its last-seen state so monitoring can tell
// a quiet unit from a dead one.
func Generic(in Inputs) (Outputs, error) {
	return Outputs{
		Commands: []types.ControlCommand{
			command(in, "unitEnable", types.Boolean(true)),
		},
		PIDStates: in.PIDStates,
	}, nil
}
