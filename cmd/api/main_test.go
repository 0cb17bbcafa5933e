package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/zhouzirui/freeze-detector/backend/internal/handler"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/internal/repository"
	sessionservice "github.com/zhouzirui/freeze-detector/backend/internal/service/session"
)

func TestRunServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv, time.Second) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServerReportsListenError(t *testing.T) {
	srv := &http.Server{Addr: "256.0.0.1:bad", Handler: http.NotFoundHandler()}

	if err := runServer(context.Background(), srv, time.Second); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	svc := sessionservice.NewService(repository.NewMemory())
	created, _, err := svc.CreateSession(context.Background(), model.Draft{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &http.Server{Handler: handler.NewRouter(svc, nil)}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, ln, 10*time.Second) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/sessions/" + created.ID + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || line != "event: session\n" {
		t.Fatalf("unexpected first frame %q: %v", line, err)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open event stream held shutdown")
	}
}
