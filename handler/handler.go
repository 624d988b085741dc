// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

// Package handler provides adapters to the jsonrpc.Handler type for
// functions with other signatures.
//
// Parameters and results are mapped to and from JSON with encoding/json.
// Each adapter resolves its parameter and result shape once, at
// registration time; a request whose params do not decode into the expected
// parameter type is answered with an InvalidParams error.
package handler

import (
	"context"
	"encoding/json"

	jsonrpc "github.com/microsoft/vscode-languageserver-node-sub009"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the
// handler, or nil if ctx has no associated request. The context passed to a
// handler returned by this package will have this value.
func ContextRequest(ctx context.Context) *jsonrpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*jsonrpc.Request)
	}
	return nil
}

// ParamsResultError adapts a function f that accepts parameters of type P
// and returns a result of type R and an error, to a jsonrpc.Handler.
func ParamsResultError[P, R any](f func(context.Context, P) (R, error)) jsonrpc.Handler {
	return func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		p, err := decodeParams[P](req)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p)
	}
}

// ParamsResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a jsonrpc.Handler.
func ParamsResult[P, R any](f func(context.Context, P) R) jsonrpc.Handler {
	return func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		p, err := decodeParams[P](req)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx, p), nil
	}
}

// ParamsError adapts a function f that accepts parameters of type P and
// returns an error with no result, to a jsonrpc.Handler.
func ParamsError[P any](f func(context.Context, P) error) jsonrpc.Handler {
	return func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		p, err := decodeParams[P](req)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a jsonrpc.Handler.
func ResultError[R any](f func(context.Context) (R, error)) jsonrpc.Handler {
	return func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return f(hctx)
	}
}

// Note adapts a function f that accepts parameters of type P to a
// jsonrpc.NotifyHandler. A notification whose params do not decode into P
// reports an error to the connection's error observer.
func Note[P any](f func(context.Context, P) error) jsonrpc.NotifyHandler {
	return func(ctx context.Context, note *jsonrpc.Notification) error {
		var p P
		if len(note.Params) != 0 {
			if err := json.Unmarshal(note.Params, &p); err != nil {
				return jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
			}
		}
		return f(ctx, p)
	}
}

// decodeParams decodes the request parameters into a value of type P. A
// request without params yields the zero P.
func decodeParams[P any](req *jsonrpc.Request) (P, error) {
	var p P
	if len(req.Params) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return p, jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return p, nil
}
