// Program jrpc is a command-line utility for interacting with JSON-RPC 2.0
// peers that speak the Content-Length header framing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	jsonrpc "github.com/microsoft/vscode-languageserver-node-sub009"
	"github.com/microsoft/vscode-languageserver-node-sub009/channel"
	"github.com/microsoft/vscode-languageserver-node-sub009/conns"
)

var flags struct {
	Timeout     time.Duration `flag:"timeout,Timeout for the call (0 means none)"`
	ContentType string        `flag:"content-type,MIME type declared on outbound frames"`
	Cancel      string        `flag:"cancellation,Cancellation mode (message or file:<folder-id>)"`
	Verbose     bool          `flag:"v,Log messages exchanged with the peer"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for interacting with JSON-RPC 2.0 peers.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "<address> <method> [<json-params>]",
				Help: `Call a method on the peer at the given address.

The address is dialed as a TCP endpoint when it has the form host:port,
otherwise as a Unix-domain socket path. The optional params argument must
be a literal JSON value, which is sent verbatim as the request parameters.
The result is printed to stdout as JSON.`,
				Run: runCall,
			},
			{
				Name:  "notify",
				Usage: "<address> <method> [<json-params>]",
				Help:  "Send a notification to the peer at the given address.",
				Run:   runNotify,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// dialConn dials the peer and starts a connection over the header framing.
func dialConn(addr string) (*jsonrpc.Conn, error) {
	framing := channel.LSP
	if flags.ContentType != "" {
		framing = channel.Header(flags.ContentType)
	}
	ch, err := conns.Dial(addr, framing)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	conn := jsonrpc.NewConn()
	if flags.Cancel != "" {
		strategy, err := jsonrpc.ParseCancellationArgs([]string{
			"--cancellationSend=" + flags.Cancel,
			"--cancellationReceive=" + flags.Cancel,
		})
		if err != nil {
			ch.Close()
			return nil, err
		}
		conn.WithCancellation(strategy)
	}
	if flags.Verbose {
		conn.LogMessages(jsonrpc.StdLogger(log.New(os.Stderr, "[jrpc] ", log.Lmicroseconds)))
	}
	return conn.Listen(ch), nil
}

func parseParams(env *command.Env) (any, error) {
	if len(env.Args) < 3 {
		return nil, nil
	}
	raw := json.RawMessage(env.Args[2])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON: %q", env.Args[2])
	}
	return raw, nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("Required arguments are <address> <method> [<json-params>]")
	}
	params, err := parseParams(env)
	if err != nil {
		return err
	}
	conn, err := dialConn(env.Args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := context.Background()
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}
	result, err := conn.Call(ctx, env.Args[1], params)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func runNotify(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("Required arguments are <address> <method> [<json-params>]")
	}
	params, err := parseParams(env)
	if err != nil {
		return err
	}
	conn, err := dialConn(env.Args[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Notify(env.Args[1], params)
}
