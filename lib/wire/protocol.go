// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/codec"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
)

// ProtocolVersion is the frame protocol spoken by this package,
// exchanged in HELLO frames.
const ProtocolVersion uint32 = 1

// Opcode is the tag byte of a request frame.
type Opcode byte

const (
	OpFetchSource     Opcode = 0x01
	OpStoreSource     Opcode = 0x02
	OpGetCompiled     Opcode = 0x03
	OpPutCompiled     Opcode = 0x04
	OpSubscribe       Opcode = 0x05
	OpFetchRecord     Opcode = 0x06
	OpSetProperty     Opcode = 0x07
	OpDeleteSource    Opcode = 0x08
	OpSetDependencies Opcode = 0x09
	OpHello           Opcode = 0x0a
	OpFetchReverse    Opcode = 0x0b
)

func (op Opcode) String() string {
	switch op {
	case OpFetchSource:
		return "fetch-source"
	case OpStoreSource:
		return "store-source"
	case OpGetCompiled:
		return "get-compiled"
	case OpPutCompiled:
		return "put-compiled"
	case OpSubscribe:
		return "subscribe"
	case OpFetchRecord:
		return "fetch-record"
	case OpSetProperty:
		return "set-property"
	case OpDeleteSource:
		return "delete-source"
	case OpSetDependencies:
		return "set-dependencies"
	case OpHello:
		return "hello"
	case OpFetchReverse:
		return "fetch-reverse"
	}
	return fmt.Sprintf("opcode(%#02x)", byte(op))
}

// Status is the tag byte of a response frame.
type Status byte

const (
	StatusOK          Status = 0x00
	StatusNotFound    Status = 0x01
	StatusStale       Status = 0x02
	StatusUnavailable Status = 0x03
	StatusError       Status = 0x04

	// StatusEvent tags the push frames a subscription receives. It
	// never answers a request.
	StatusEvent Status = 0x05

	// StatusConflict carries resource.ErrConflict. Reserved: no
	// operation in this protocol version answers it, but both sides
	// map it so the value cannot be repurposed.
	StatusConflict Status = 0x06
)

func (st Status) String() string {
	switch st {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not-found"
	case StatusStale:
		return "stale"
	case StatusUnavailable:
		return "unavailable"
	case StatusError:
		return "error"
	case StatusEvent:
		return "event"
	case StatusConflict:
		return "conflict"
	}
	return fmt.Sprintf("status(%#02x)", byte(st))
}

// Hello is the payload of OpHello in both directions: each side names
// the protocol version it speaks and, optionally, its software.
type Hello struct {
	Protocol uint32 `cbor:"protocol"`
	Software string `cbor:"software,omitempty"`
}

// IDRequest addresses a single resource. It is the request payload of
// OpFetchSource, OpFetchRecord, OpDeleteSource, and OpFetchReverse.
type IDRequest struct {
	ID resource.ID `cbor:"id"`
}

// StoreSourceRequest is the payload of OpStoreSource.
type StoreSourceRequest struct {
	ID         resource.ID       `cbor:"id"`
	Properties map[string]string `cbor:"properties,omitempty"`
	Payload    []byte            `cbor:"payload"`
}

// SetPropertyRequest is the payload of OpSetProperty. Unset removes
// the property instead of setting it; Value is ignored then.
type SetPropertyRequest struct {
	ID    resource.ID `cbor:"id"`
	Key   string      `cbor:"key"`
	Value string      `cbor:"value,omitempty"`
	Unset bool        `cbor:"unset,omitempty"`
}

// SetDependenciesRequest is the payload of OpSetDependencies. It
// replaces the full dependency list.
type SetDependenciesRequest struct {
	ID           resource.ID         `cbor:"id"`
	Dependencies []source.Dependency `cbor:"dependencies,omitempty"`
}

// GetCompiledRequest is the payload of OpGetCompiled. WantCounter is
// the live source counter the caller holds; the server answers STALE
// when its artifact was compiled from a different counter. Zero skips
// the staleness check.
type GetCompiledRequest struct {
	Key         resource.Key   `cbor:"key"`
	WantCounter change.Counter `cbor:"want_counter,omitempty"`
}

// PutCompiledRequest is the payload of OpPutCompiled. The payload
// bytes are uncompressed; the receiving cache picks its own at-rest
// compression.
type PutCompiledRequest struct {
	Record  compiled.Record `cbor:"record"`
	Payload []byte          `cbor:"payload"`
}

// SubscribeRequest is the payload of OpSubscribe. Empty IDs means all
// resources; a zero mask means all kinds.
type SubscribeRequest struct {
	IDs   []resource.ID `cbor:"ids,omitempty"`
	Kinds change.Mask   `cbor:"kinds,omitempty"`
}

// RecordResponse answers the source mutation opcodes and
// OpFetchRecord with the resulting record.
type RecordResponse struct {
	Record source.Record `cbor:"record"`
}

// SourceResponse answers OpFetchSource.
type SourceResponse struct {
	Record  source.Record `cbor:"record"`
	Payload []byte        `cbor:"payload"`
}

// CompiledResponse answers OpGetCompiled. The payload bytes are
// decompressed regardless of how the artifact is stored at rest.
type CompiledResponse struct {
	Record  compiled.Record `cbor:"record"`
	Payload []byte          `cbor:"payload"`
}

// ReverseResponse answers OpFetchReverse.
type ReverseResponse struct {
	IDs []resource.ID `cbor:"ids,omitempty"`
}

// ErrorDetail is the payload of every non-OK response. Compile is set
// when the failure was a compile failure, so the structured
// diagnostic survives the wire.
type ErrorDetail struct {
	Message string         `cbor:"message,omitempty"`
	Compile *CompileDetail `cbor:"compile,omitempty"`
}

// CompileDetail is the wire form of [resource.CompileError].
type CompileDetail struct {
	Key        resource.Key `cbor:"key"`
	Stage      string       `cbor:"stage"`
	Diagnostic string       `cbor:"diagnostic,omitempty"`
}

// statusFor maps a handler error onto the status that carries it.
func statusFor(err error) Status {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, resource.ErrStale):
		return StatusStale
	case errors.Is(err, resource.ErrUnavailable):
		return StatusUnavailable
	case errors.Is(err, resource.ErrConflict):
		return StatusConflict
	}
	return StatusError
}

// detailFor renders err as the ErrorDetail payload of a non-OK
// response. A compile error is flattened into the structured form;
// its cause folds into the diagnostic text so nothing is lost.
func detailFor(err error) ErrorDetail {
	detail := ErrorDetail{Message: err.Error()}
	if ce, ok := resource.AsCompileError(err); ok {
		diag := ce.Diagnostic
		if ce.Err != nil {
			if diag != "" {
				diag += ": "
			}
			diag += ce.Err.Error()
		}
		detail.Compile = &CompileDetail{Key: ce.Key, Stage: ce.Stage, Diagnostic: diag}
	}
	return detail
}

// remoteError carries the server-reported message while staying
// errors.Is-identifiable with the sentinel its status mapped to.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// decodeError reconstructs the error a non-OK response carries.
func decodeError(status Status, payload []byte) error {
	var detail ErrorDetail
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, &detail); err != nil {
			return fmt.Errorf("wire: undecodable %s payload: %w", status, resource.ErrProtocol)
		}
	}
	if detail.Compile != nil {
		return &resource.CompileError{
			Key:        detail.Compile.Key,
			Stage:      detail.Compile.Stage,
			Diagnostic: detail.Compile.Diagnostic,
		}
	}
	var sentinel error
	switch status {
	case StatusNotFound:
		sentinel = resource.ErrNotFound
	case StatusStale:
		sentinel = resource.ErrStale
	case StatusUnavailable:
		sentinel = resource.ErrUnavailable
	case StatusConflict:
		sentinel = resource.ErrConflict
	case StatusError:
		if detail.Message == "" {
			return errors.New("wire: server reported an error")
		}
		return errors.New(detail.Message)
	default:
		return fmt.Errorf("wire: unexpected status %s: %w", status, resource.ErrProtocol)
	}
	if detail.Message == "" {
		return sentinel
	}
	return &remoteError{msg: detail.Message, sentinel: sentinel}
}
