// Package codec defines the serialization contract for values stored in the mesh.
//
// Every value is stored inside a versioned JSON envelope:
//
//	{"_version": 3, "_updated_at": 1735689600000, "data": {"name": "Ann"}}
//
// The envelope's "_version" field defaults to 1 when absent so that values written
// by older producers remain readable. Values enter the mesh as Go values (encoded
// with encoding/json) or as pre-encoded json.RawMessage, and leave it as raw bytes
// that callers decode into a concrete type. No dynamically typed union crosses
// the package boundary.
//
// The package also owns the key/namespace format rules and the value size limit
// enforced at the Mesh Store boundary before any network I/O happens.
package codec
