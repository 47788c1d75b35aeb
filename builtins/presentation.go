package builtins

import (
	"fmt"

	"moor/types"
)

// PresentationSink delivers the presentation protocol (spec.md §4.6) to
// every Host RPC session attached to a player. Implemented by
// rpc.Registry; set by server wiring, same seam as SetConnectionManager
// and SetWorkerDispatcher.
type PresentationSink interface {
	Present(player types.ObjID, id, target, title, contentType, content string, attrs map[string]string)
	Unpresent(player types.ObjID, id string)
}

var globalPresentationSink PresentationSink

// SetPresentationSink wires present()/unpresent() to the RPC fabric.
func SetPresentationSink(sink PresentationSink) {
	globalPresentationSink = sink
}

// builtinPresent: present(player, id, target, title, content_type, content [, attributes]) -> 0
// Pushes a structured UI hint to every host attached to player. `present`
// adds or replaces a presentation by id (the replace semantics live on
// the client/host side; the daemon just re-sends the same id).
func builtinPresent(ctx *types.TaskContext, args []types.Value) types.Result {
	if len(args) < 6 || len(args) > 7 {
		return types.Err(types.E_ARGS)
	}
	playerVal, ok := args[0].(types.ObjValue)
	if !ok {
		return types.Err(types.E_TYPE)
	}
	id, ok1 := args[1].(types.StrValue)
	target, ok2 := args[2].(types.StrValue)
	title, ok3 := args[3].(types.StrValue)
	contentType, ok4 := args[4].(types.StrValue)
	content, ok5 := args[5].(types.StrValue)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return types.Err(types.E_TYPE)
	}

	attrs := map[string]string{}
	if len(args) == 7 {
		attrList, ok := args[6].(types.MapValue)
		if !ok {
			return types.Err(types.E_TYPE)
		}
		for _, k := range attrList.Keys() {
			keyStr, ok := k.(types.StrValue)
			if !ok {
				return types.Err(types.E_TYPE)
			}
			v, found := attrList.Get(k)
			if !found {
				continue
			}
			valStr, ok := v.(types.StrValue)
			if !ok {
				return types.Err(types.E_TYPE)
			}
			attrs[keyStr.Value()] = valStr.Value()
		}
	}

	LogEvent(playerVal.ID(), "presentation", fmt.Sprintf("present %s %s %s %s %s", id.Value(), target.Value(), title.Value(), contentType.Value(), content.Value()))

	if globalPresentationSink == nil {
		return types.Ok(types.NewInt(0))
	}
	globalPresentationSink.Present(playerVal.ID(), id.Value(), target.Value(), title.Value(), contentType.Value(), content.Value(), attrs)
	return types.Ok(types.NewInt(0))
}

// builtinUnpresent: unpresent(player, id) -> 0
func builtinUnpresent(ctx *types.TaskContext, args []types.Value) types.Result {
	if len(args) != 2 {
		return types.Err(types.E_ARGS)
	}
	playerVal, ok := args[0].(types.ObjValue)
	if !ok {
		return types.Err(types.E_TYPE)
	}
	id, ok := args[1].(types.StrValue)
	if !ok {
		return types.Err(types.E_TYPE)
	}
	LogEvent(playerVal.ID(), "presentation", fmt.Sprintf("unpresent %s", id.Value()))

	if globalPresentationSink == nil {
		return types.Ok(types.NewInt(0))
	}
	globalPresentationSink.Unpresent(playerVal.ID(), id.Value())
	return types.Ok(types.NewInt(0))
}
