// Package wire encodes structured HVC call results and msgqueue test
// payloads exchanged between cmd/latticectl and the hypervisor core.
// Rather than introducing hand-written generated code for a new .proto
// schema, it reuses protobuf's existing well-known `structpb` types
// (spec.md §6 "Each call returns an error code and, where applicable, a
// small structured result" — a small, open-ended structured value is
// exactly what structpb.Struct models).
package wire

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/latticevm/lattice/pkg/herr"
)

// Result is an HVC-call-shaped result: an error kind name (empty on
// success) plus an open-ended structured payload.
type Result struct {
	ErrorKind string
	Value     *structpb.Struct
}

// kindNames maps the herr sentinels to their spec.md §7 names, used for
// wire encoding since the sentinel error values themselves are not
// serializable.
var kindNames = map[error]string{
	herr.NoMem:                 "NOMEM",
	herr.CSpaceFull:            "CSPACE_FULL",
	herr.MemExtentMappingsFull: "MEMEXTENT_MAPPINGS_FULL",
	herr.NoResources:           "NORESOURCES",
	herr.ArgumentInvalid:       "ARGUMENT_INVALID",
	herr.ArgumentSize:          "ARGUMENT_SIZE",
	herr.ArgumentAlignment:     "ARGUMENT_ALIGNMENT",
	herr.AddrInvalid:           "ADDR_INVALID",
	herr.AddrOverflow:          "ADDR_OVERFLOW",
	herr.Denied:                "DENIED",
	herr.InsufficientRights:    "INSUFFICIENT_RIGHTS",
	herr.CapRevoked:            "CAP_REVOKED",
	herr.CapNull:               "CAP_NULL",
	herr.WrongObjectType:       "WRONG_OBJECT_TYPE",
	herr.Busy:                  "BUSY",
	herr.Retry:                 "RETRY",
	herr.ObjectState:           "OBJECT_STATE",
	herr.ObjectConfig:          "OBJECT_CONFIG",
	herr.Unimplemented:         "UNIMPLEMENTED",
	herr.Idle:                  "IDLE",
	herr.MemdbEmpty:            "MEMDB_EMPTY",
	herr.MemdbNotOwner:         "MEMDB_NOT_OWNER",
	herr.MsgqueueFull:          "MSGQUEUE_FULL",
	herr.MsgqueueEmpty:         "MSGQUEUE_EMPTY",
}

// NewResult builds a Result from an operation's error (nil on success) and
// an arbitrary JSON-shaped payload (maps, slices, strings, numbers,
// bools, nil).
func NewResult(err error, payload map[string]interface{}) (*Result, error) {
	var kind string
	if err != nil {
		kind = kindNames[err]
		if kind == "" {
			kind = "UNIMPLEMENTED"
		}
	}
	v, perr := structpb.NewStruct(payload)
	if perr != nil {
		return nil, herr.ArgumentInvalid
	}
	return &Result{ErrorKind: kind, Value: v}, nil
}

// Marshal encodes r as protobuf-JSON, the wire format cmd/latticectl's
// subcommands print and parse.
func Marshal(r *Result) ([]byte, error) {
	msg := &structpb.Struct{}
	fields := map[string]*structpb.Value{
		"error": structpb.NewStringValue(r.ErrorKind),
		"value": structpb.NewStructValue(r.Value),
	}
	msg.Fields = fields
	return protojson.Marshal(msg)
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (*Result, error) {
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	r := &Result{}
	if f, ok := msg.Fields["error"]; ok {
		r.ErrorKind = f.GetStringValue()
	}
	if f, ok := msg.Fields["value"]; ok {
		r.Value = f.GetStructValue()
	}
	return r, nil
}

// OK reports whether r represents a successful call.
func (r *Result) OK() bool { return r.ErrorKind == "" }
