package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llamactx/internal/engine/enginetest"
	"llamactx/internal/events"
	"llamactx/internal/httpapi"
	"llamactx/internal/manager"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServe_ShutdownReleasesContexts(t *testing.T) {
	bus := events.NewGoChannelBus(zerolog.Nop())
	fe := enginetest.New(bus)
	rt := &runtime{
		bus: bus,
		mgr: manager.NewWithConfig(manager.ManagerConfig{Engine: fe, Bus: bus, Deterministic: true}),
	}
	port := findFreePort(t)
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: httpapi.NewMux(rt.mgr, httpapi.Options{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, rt, zerolog.Nop(), t.TempDir()) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitHealthy(t, base)

	resp, err := http.Post(base+"/contexts", "application/json", strings.NewReader(`{"model":"/m.gguf"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("serve did not return after cancel")
	}
	require.Contains(t, fe.Calls(), "release_all")
	require.Empty(t, rt.mgr.Contexts())
}
