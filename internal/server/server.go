// Package server wires the listener, worker pool, router, and request
// pipeline together: the "server glue" that accepts connections, admits
// them to the pool, and bridges parse/route/handle/flush with the error
// bracketing described by the request pipeline's state machine.
package server

import (
	"bufio"
	"log"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/tagit-io/tagd/internal/httpd"
	"github.com/tagit-io/tagd/internal/router"
	"github.com/tagit-io/tagd/internal/workerpool"
)

const (
	badRequestStatusLine       = "HTTP/1.1 400 Bad Request\r\n"
	serviceUnavailablePreamble = "HTTP/1.1 503 Service Unavailable\r\n\r\n"
)

// Server accepts connections on a listener, admits each to a worker pool,
// and dispatches parsed requests through a Router.
type Server struct {
	listener net.Listener
	router   *router.Router
	pool     *workerpool.Pool
}

// New wraps an already-bound listener with a router and worker pool.
func New(listener net.Listener, r *router.Router, pool *workerpool.Pool) *Server {
	return &Server{listener: listener, router: r, pool: pool}
}

// Serve accepts connections until the listener is closed. The listener
// goroutine never blocks on a worker: admission is synchronous and
// non-blocking, and a rejected connection is answered 503 right here.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}

		connID := uuid.NewString()
		if !s.pool.TrySubmit(func() { s.handleConn(conn, connID) }) {
			writeAndClose(conn, serviceUnavailablePreamble)
		}
	}
}

// handleConn parses exactly one request off conn, dispatches it, and
// ensures the response is flushed (or the connection is answered with an
// error) before closing.
func (s *Server) handleConn(conn net.Conn, connID string) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	req, err := httpd.Parse(conn, br, bw)
	if err != nil {
		log.Printf("server: conn=%s bad request: %v", connID, err)
		reason := err.Error()
		writeAndClose(conn, badRequestStatusLine+"Content-Length: "+strconv.Itoa(len(reason))+"\r\n\r\n"+reason)
		return
	}

	handler, lookup := s.router.Lookup(req.Path, req.Verb)
	switch lookup {
	case router.NotFound:
		s.respondStatusOnly(req, 404)
		return
	case router.MethodNotAllowed:
		s.respondStatusOnly(req, 405)
		return
	}

	if err := handler.Handle(req); err != nil {
		if !req.ResponseHeadersSent() {
			body := []byte(err.Error())
			if sendErr := req.SendPreamble(500, len(body)); sendErr != nil {
				log.Printf("server: conn=%s failed to write 500: %v", connID, sendErr)
				return
			}
			if _, writeErr := req.Write(body); writeErr != nil {
				log.Printf("server: conn=%s failed to write 500 body: %v", connID, writeErr)
				return
			}
		} else {
			log.Printf("server: conn=%s handler failed after preamble sent, dropping: %v", connID, err)
			return
		}
	}

	if err := req.Flush(); err != nil {
		log.Printf("server: conn=%s flush failed: %v", connID, err)
	}
}

func (s *Server) respondStatusOnly(req *httpd.Request, status int) {
	if err := req.SendPreamble(status, 0); err != nil {
		log.Printf("server: failed to write %d: %v", status, err)
		return
	}
	if err := req.Flush(); err != nil {
		log.Printf("server: failed to flush %d: %v", status, err)
	}
}

func writeAndClose(conn net.Conn, preamble string) {
	defer conn.Close()
	if _, err := conn.Write([]byte(preamble)); err != nil {
		log.Printf("server: failed to write error preamble: %v", err)
	}
}
