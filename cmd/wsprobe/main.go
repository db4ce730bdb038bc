// wsprobe is a CI-friendly smoke test for the realtime auth handshake.
//
// It connects with a provided access token, waits for the server's
// connection_established verdict, sends one probe message, and reports every
// state transition. Exit code 0 means the handshake reached authenticated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"halo/internal/realtime"
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		token   = flag.String("token", "", "Access token to present (query parameter)")
		timeout = flag.Duration("timeout", 15*time.Second, "Overall probe timeout")
		text    = flag.String("text", `{"type":"probe"}`, "Probe message to send after auth")
	)
	flag.Parse()

	if *token == "" {
		fatalf("missing -token")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	authed := make(chan struct{}, 1)
	failed := make(chan realtime.State, 1)

	cfg := realtime.DefaultConfig()
	cfg.URL = *wsURL
	cfg.TokenInQuery = true
	cfg.MaxAttempts = 1

	mgr := realtime.NewManager(cfg, log, nil,
		func(context.Context) (string, error) { return *token, nil },
		nil,
		realtime.WithStateListener(func(st realtime.State) {
			fmt.Printf("state: %s\n", st)
			switch st {
			case realtime.StateAuthenticated:
				select {
				case authed <- struct{}{}:
				default:
				}
			case realtime.StateFailed:
				select {
				case failed <- st:
				default:
				}
			}
		}),
		realtime.WithMessageHandler(func(data []byte) {
			fmt.Printf("recv: %s\n", data)
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := mgr.Connect(ctx); err != nil {
		fatalf("connect: %v", err)
	}
	defer mgr.Disconnect()

	select {
	case <-authed:
	case st := <-failed:
		fatalf("handshake failed: state=%s", st)
	case <-ctx.Done():
		fatalf("timed out waiting for authentication")
	}

	if err := mgr.Send(ctx, []byte(*text)); err != nil {
		fatalf("send: %v", err)
	}

	fmt.Println("ok")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "wsprobe: "+format+"\n", args...)
	os.Exit(1)
}
