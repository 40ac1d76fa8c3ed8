package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tagit-io/tagd/internal/api"
	"github.com/tagit-io/tagd/internal/router"
	"github.com/tagit-io/tagd/internal/tagstore"
	"github.com/tagit-io/tagd/internal/workerpool"
)

func startTestServer(t *testing.T, workers, queueLen int) (addr string, stop func()) {
	t.Helper()
	return startTestServerWithBodyLimit(t, workers, queueLen, 0)
}

func startTestServerWithBodyLimit(t *testing.T, workers, queueLen int, maxBodyBytes int64) (addr string, stop func()) {
	t.Helper()

	store := tagstore.New()
	r := router.New()
	r.Register("/api/tags", "POST", &api.TagHandler{Store: store, MaxBodyBytes: maxBodyBytes})

	pool := workerpool.New(workers, queueLen)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	srv := New(ln, r, pool)
	go srv.Serve()

	return ln.Addr().String(), func() {
		ln.Close()
		pool.Stop()
	}
}

// doRequest opens a new connection, writes rawRequest, and returns the full
// raw response (status line, headers, body).
func doRequest(t *testing.T, addr, rawRequest string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(rawRequest)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func tagsRequest(body string) string {
	return fmt.Sprintf("POST /api/tags HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

func TestE1_AddIsPresent(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	resp := doRequest(t, addr, tagsRequest(`{"user":"u","add":["x"],"remove":[],"timestamp":"2020-01-01T00:00:00.000Z"}`))
	if !strings.Contains(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("resp = %q", resp)
	}
	if !strings.Contains(resp, `"tags":["x"]`) {
		t.Fatalf("resp = %q, want tags=[x]", resp)
	}
}

func TestE2_RemoveAfterAdd(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	doRequest(t, addr, tagsRequest(`{"user":"u","add":["x"],"remove":[],"timestamp":"2020-01-01T00:00:00.000Z"}`))
	resp := doRequest(t, addr, tagsRequest(`{"user":"u","add":[],"remove":["x"],"timestamp":"2020-01-01T00:00:00.001Z"}`))

	if !strings.Contains(resp, `"tags":[]`) {
		t.Fatalf("resp = %q, want tags=[]", resp)
	}
}

func TestE3_SameTimestampTiebreak(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	doRequest(t, addr, tagsRequest(`{"user":"u","add":["x"],"remove":[],"timestamp":"2020-01-01T00:00:00.000Z"}`))
	resp := doRequest(t, addr, tagsRequest(`{"user":"u","add":["x"],"remove":["x"],"timestamp":"2020-01-01T00:00:00.000Z"}`))

	if !strings.Contains(resp, `"tags":[]`) {
		t.Fatalf("resp = %q, want tags=[] (tiebreak favors remove)", resp)
	}
}

func TestE4_ReplayOlderAddIsSuppressed(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	add := tagsRequest(`{"user":"u","add":["x"],"remove":[],"timestamp":"2020-01-01T00:00:00.000Z"}`)
	remove := tagsRequest(`{"user":"u","add":[],"remove":["x"],"timestamp":"2020-01-01T00:00:00.001Z"}`)

	doRequest(t, addr, add)
	doRequest(t, addr, remove)
	resp := doRequest(t, addr, add)

	if !strings.Contains(resp, `"tags":[]`) {
		t.Fatalf("resp = %q, want tags=[] (replayed older add must not resurrect x)", resp)
	}
}

func TestE5_InvalidJSON(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	resp := doRequest(t, addr, tagsRequest(`not json`))
	if !strings.Contains(resp, "400 Bad Request") || !strings.Contains(resp, "Couldn't parse request JSON") {
		t.Fatalf("resp = %q", resp)
	}
}

func TestMaxBodyBytes_RejectsOversizedDeclaredContentLength(t *testing.T) {
	addr, stop := startTestServerWithBodyLimit(t, 4, 16, 8)
	defer stop()

	// Content-Length claims far more than the configured cap; the handler
	// must reject this before ever allocating a buffer for it.
	resp := doRequest(t, addr, "POST /api/tags HTTP/1.1\r\nContent-Length: 5000000000\r\n\r\n")
	if !strings.Contains(resp, "413") {
		t.Fatalf("resp = %q, want 413 Payload Too Large", resp)
	}
}

func TestE6_MethodAndRouteMisses(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	resp := doRequest(t, addr, "GET /api/tags HTTP/1.1\r\n\r\n")
	if !strings.Contains(resp, "405 Method Not Allowed") {
		t.Fatalf("resp = %q, want 405", resp)
	}

	resp = doRequest(t, addr, "POST /nope HTTP/1.1\r\nContent-Length: 2\r\n\r\n{}")
	if !strings.Contains(resp, "404 Not Found") {
		t.Fatalf("resp = %q, want 404", resp)
	}
}

func TestBadRequestLine_Returns400(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	resp := doRequest(t, addr, "GET nope HTTP/1.1\r\n\r\n")
	if !strings.Contains(resp, "400 Bad Request") {
		t.Fatalf("resp = %q, want 400", resp)
	}
}

func TestAdmissionCap_RejectsBeyondWorkersPlusQueue(t *testing.T) {
	// A small, deterministic admission-cap check: one worker, a one-slot
	// queue, and two stalled connections, one holding the only worker and
	// one holding the only queue slot, so a third connection must be
	// rejected with 503.
	store := tagstore.New()
	r := router.New()
	r.Register("/api/tags", "POST", &api.TagHandler{Store: store})

	pool := workerpool.New(1, 1)
	defer pool.Stop()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	srv := New(ln, r, pool)
	go srv.Serve()

	addr := ln.Addr().String()

	// Two connections that send only a request line and then stall forever
	// reading headers: the first occupies the worker and the second waits in
	// the queue for the test's duration.
	var wg sync.WaitGroup
	stalled := make([]net.Conn, 0, 2)
	for i := 0; i < 2; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		stalled = append(stalled, conn)
		if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	defer func() {
		for _, c := range stalled {
			c.Close()
		}
		wg.Wait()
	}()

	// Give the worker a moment to pick up the first stalled job.
	time.Sleep(100 * time.Millisecond)

	resp := doRequest(t, addr, "GET / HTTP/1.1\r\n\r\n")
	if !strings.Contains(resp, "503 Service Unavailable") {
		t.Fatalf("resp = %q, want 503 once worker+queue capacity is exhausted", resp)
	}
}

func TestPreambleFraming_ExactlyOneContentLength(t *testing.T) {
	addr, stop := startTestServer(t, 4, 16)
	defer stop()

	resp := doRequest(t, addr, tagsRequest(`{"user":"u","add":["x"],"remove":[],"timestamp":"2020-01-01T00:00:00.000Z"}`))

	reader := bufio.NewReader(strings.NewReader(resp))
	count := 0
	for {
		line, err := reader.ReadString('\n')
		if strings.HasPrefix(line, "Content-Length:") {
			count++
		}
		if err != nil {
			break
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	if count != 1 {
		t.Fatalf("saw %d Content-Length headers, want exactly 1", count)
	}
}
