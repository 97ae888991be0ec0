// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package serve installs the request handlers the quarry daemons
// answer: it decodes wire payloads, calls the backing store or cache,
// and shapes the responses. sourced, compiledd, and in-process tests
// all wire their servers through this package, so the daemon behavior
// under test is the daemon behavior in production.
//
// Payloads ride inside frames, so a single source or artifact payload
// served this way is bounded by [wire.MaxFrame]. SUBSCRIBE and HELLO
// are answered by the wire server itself; pass the backend's bus as
// [wire.ServerConfig].Events.
package serve

import (
	"context"
	"fmt"

	"github.com/quarry-build/quarry/lib/codec"
	"github.com/quarry-build/quarry/lib/compiled"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/source"
	"github.com/quarry-build/quarry/lib/stream"
	"github.com/quarry-build/quarry/lib/wire"
)

// Source installs the sourced handlers on srv, backed by store:
// FETCH_SOURCE, FETCH_RECORD, STORE_SOURCE, SET_PROPERTY,
// SET_DEPENDENCIES, DELETE_SOURCE, and FETCH_REVERSE.
func Source(srv *wire.Server, store source.Backend) {
	srv.Handle(wire.OpFetchSource, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.IDRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpFetchSource, err)
		}
		rec, st, err := store.Fetch(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		data, err := stream.ReadAll(st)
		if err != nil {
			return nil, err
		}
		return wire.SourceResponse{Record: *rec, Payload: data}, nil
	})

	srv.Handle(wire.OpFetchRecord, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.IDRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpFetchRecord, err)
		}
		rec, err := store.FetchRecord(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return wire.RecordResponse{Record: *rec}, nil
	})

	srv.Handle(wire.OpStoreSource, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.StoreSourceRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpStoreSource, err)
		}
		rec, err := store.Store(ctx, req.ID, req.Properties, stream.FromBytes(req.Payload))
		if err != nil {
			return nil, err
		}
		return wire.RecordResponse{Record: *rec}, nil
	})

	srv.Handle(wire.OpSetProperty, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.SetPropertyRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpSetProperty, err)
		}
		var (
			rec *source.Record
			err error
		)
		if req.Unset {
			rec, err = store.UnsetProperty(ctx, req.ID, req.Key)
		} else {
			rec, err = store.SetProperty(ctx, req.ID, req.Key, req.Value)
		}
		if err != nil {
			return nil, err
		}
		return wire.RecordResponse{Record: *rec}, nil
	})

	srv.Handle(wire.OpSetDependencies, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.SetDependenciesRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpSetDependencies, err)
		}
		rec, err := store.SetDependencies(ctx, req.ID, req.Dependencies)
		if err != nil {
			return nil, err
		}
		return wire.RecordResponse{Record: *rec}, nil
	})

	srv.Handle(wire.OpDeleteSource, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.IDRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpDeleteSource, err)
		}
		if err := store.Delete(ctx, req.ID); err != nil {
			return nil, err
		}
		return nil, nil
	})

	srv.Handle(wire.OpFetchReverse, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.IDRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpFetchReverse, err)
		}
		ids, err := store.ReverseDependencies(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return wire.ReverseResponse{IDs: ids}, nil
	})
}

// Cache installs the compiledd handlers on srv, backed by cache:
// GET_COMPILED and PUT_COMPILED.
func Cache(srv *wire.Server, cache compiled.Cache) {
	srv.Handle(wire.OpGetCompiled, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.GetCompiledRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpGetCompiled, err)
		}
		rec, st, err := cache.Get(ctx, req.Key, req.WantCounter)
		if err != nil {
			return nil, err
		}
		data, err := stream.ReadAll(st)
		if err != nil {
			return nil, err
		}
		return wire.CompiledResponse{Record: *rec, Payload: data}, nil
	})

	srv.Handle(wire.OpPutCompiled, func(ctx context.Context, payload []byte) (any, error) {
		var req wire.PutCompiledRequest
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, decodeErr(wire.OpPutCompiled, err)
		}
		rec := req.Record
		if err := cache.Put(ctx, &rec, stream.FromBytes(req.Payload)); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

func decodeErr(op wire.Opcode, err error) error {
	return fmt.Errorf("serve: decode %s request: %v: %w", op, err, resource.ErrProtocol)
}
