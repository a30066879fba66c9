package rpc

import (
	"encoding/gob"
	"time"
)

// Every RPC method in this module carries its params and result as
// map[string]any / []any (see DecodeParams and the method table in
// internal/agent). Because the map and slice element type is itself
// interface{}, gob needs every concrete type that can appear in one of
// those slots registered up front, or encoding/decoding fails with
// "gob: type not registered for interface". This registers the set
// actually used across the console<->agent wire contract.
func init() {
	gob.Register("")
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]string(nil))
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
	gob.Register([]map[string]any(nil))
	gob.Register(time.Time{})
}
