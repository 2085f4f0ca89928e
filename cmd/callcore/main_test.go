package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/voicedesk/callcore/pkg/config"
)

func TestRunMain_ConfigErrorExitsNonZero(t *testing.T) {
	var stderr bytes.Buffer
	deps := defaultEngineDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	code := runMain(context.Background(), &stderr, deps)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr %q", stderr.String())
	}
}

func TestRunEngine_StopsOnSignal(t *testing.T) {
	sigCh := make(chan chan<- os.Signal, 1)
	deps := engineDeps{
		loadConfig: func() (config.Config, error) {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return cfg, err
			}
			cfg.Addr = "127.0.0.1:0"
			cfg.ShutdownGracePeriod = time.Second
			return cfg, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { sigCh <- c },
		signalStop:   func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() { done <- runEngine(context.Background(), nil, deps) }()

	select {
	case c := <-sigCh:
		c <- os.Interrupt
	case <-time.After(2 * time.Second):
		t.Fatal("signal channel never registered")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runEngine: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runEngine did not stop on signal")
	}
}

func TestBuildHTTPServer(t *testing.T) {
	cfg := config.Config{Addr: ":9999", ReadHeaderTimeout: 3 * time.Second}
	srv := buildHTTPServer(cfg, http.NewServeMux())
	if srv.Addr != ":9999" || srv.ReadHeaderTimeout != 3*time.Second {
		t.Fatalf("server misconfigured: %+v", srv)
	}
}
