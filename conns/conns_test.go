// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package conns_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"

	jsonrpc "github.com/microsoft/vscode-languageserver-node-sub009"
	"github.com/microsoft/vscode-languageserver-node-sub009/conns"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

func slowEcho(_ context.Context, req *jsonrpc.Request) (any, error) {
	time.Sleep(7 * time.Millisecond)
	return req.Params, nil
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := conns.NewLocal()
	loc.A.Handle("echo", slowEcho)

	got, err := loc.B.Call(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if string(got) != `"hello"` {
		t.Errorf("Result: got %s, want %q", got, `"hello"`)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := taskgroup.Go(func() error {
		return conns.Loop(ctx, conns.NetAccepter(lst, nil), func() *jsonrpc.Conn {
			return jsonrpc.NewConn().Handle("echo", slowEcho)
		})
	})
	t.Log("Started connection loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			ch, err := conns.Dial(addr, nil)
			if err != nil {
				return err
			}
			conn := jsonrpc.NewConn().Listen(ch)
			for j := range numCalls {
				if _, err := conn.Call(context.Background(), "echo", j); err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				}
			}
			return conn.Close()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func TestDial(t *testing.T) {
	if _, err := conns.Dial("bogus\x00name", nil); err == nil {
		t.Error("Dial: got nil, want error")
	}
}
