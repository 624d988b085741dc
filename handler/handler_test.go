// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	jsonrpc "github.com/microsoft/vscode-languageserver-node-sub009"
	"github.com/microsoft/vscode-languageserver-node-sub009/conns"
	"github.com/microsoft/vscode-languageserver-node-sub009/handler"
)

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestAdapters(t *testing.T) {
	defer leaktest.Check(t)()

	loc := conns.NewLocal()
	defer loc.Stop()

	noted := make(chan string, 1)
	loc.A.
		Handle("add", handler.ParamsResultError(func(_ context.Context, p addParams) (int, error) {
			return p.A + p.B, nil
		})).
		Handle("double", handler.ParamsResult(func(_ context.Context, v int) int {
			return 2 * v
		})).
		Handle("check", handler.ParamsError(func(_ context.Context, s string) error {
			if s != "ok" {
				return errors.New("check failed")
			}
			return nil
		})).
		Handle("time", handler.ResultError(func(context.Context) (string, error) {
			return "now", nil
		})).
		Handle("whoami", handler.ResultError(func(ctx context.Context) (string, error) {
			req := handler.ContextRequest(ctx)
			if req == nil {
				return "", errors.New("no request in context")
			}
			return req.Method, nil
		})).
		HandleNotification("log", handler.Note(func(_ context.Context, text string) error {
			noted <- text
			return nil
		}))

	call := func(t *testing.T, method string, params any) (json.RawMessage, error) {
		t.Helper()
		return loc.B.Call(context.Background(), method, params)
	}

	t.Run("ParamsResultError", func(t *testing.T) {
		got, err := call(t, "add", addParams{A: 3, B: 4})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got) != "7" {
			t.Errorf("Result: got %s, want 7", got)
		}
	})
	t.Run("ParamsResult", func(t *testing.T) {
		got, err := call(t, "double", 21)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got) != "42" {
			t.Errorf("Result: got %s, want 42", got)
		}
	})
	t.Run("ParamsError", func(t *testing.T) {
		if _, err := call(t, "check", "ok"); err != nil {
			t.Errorf("Call: unexpected error: %v", err)
		}
		if _, err := call(t, "check", "bad"); err == nil {
			t.Error("Call: got nil, want an error")
		}
	})
	t.Run("ResultError", func(t *testing.T) {
		got, err := call(t, "time", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got) != `"now"` {
			t.Errorf("Result: got %s, want %q", got, `"now"`)
		}
	})
	t.Run("ContextRequest", func(t *testing.T) {
		got, err := call(t, "whoami", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got) != `"whoami"` {
			t.Errorf("Result: got %s, want %q", got, `"whoami"`)
		}
	})
	t.Run("ZeroParams", func(t *testing.T) {
		// A request without params decodes as the zero parameter value.
		got, err := call(t, "add", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if string(got) != "0" {
			t.Errorf("Result: got %s, want 0", got)
		}
	})
	t.Run("InvalidParams", func(t *testing.T) {
		_, err := call(t, "add", json.RawMessage(`"not an object"`))
		var cerr *jsonrpc.CallError
		if !errors.As(err, &cerr) {
			t.Fatalf("Call: got error %v, want a CallError", err)
		}
		if cerr.RPC == nil || cerr.RPC.Code != jsonrpc.CodeInvalidParams {
			t.Errorf("Call: got error %v, want code %d", cerr, jsonrpc.CodeInvalidParams)
		}
	})
	t.Run("Note", func(t *testing.T) {
		if err := loc.B.Notify("log", "hello"); err != nil {
			t.Fatalf("Notify: unexpected error: %v", err)
		}
		select {
		case text := <-noted:
			if text != "hello" {
				t.Errorf("Notification: got %q, want %q", text, "hello")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for notification")
		}
	})
}
