// Command tagd runs the tag-set service: a bounded worker pool serving a
// hand-rolled HTTP/1.1 pipeline in front of a concurrent tag store.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tagit-io/tagd/internal/api"
	"github.com/tagit-io/tagd/internal/config"
	"github.com/tagit-io/tagd/internal/router"
	"github.com/tagit-io/tagd/internal/server"
	"github.com/tagit-io/tagd/internal/stats"
	"github.com/tagit-io/tagd/internal/tagstore"
	"github.com/tagit-io/tagd/internal/workerpool"
)

func main() {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}

	store := tagstore.New()

	r := router.New()
	r.Register("/api/tags", "POST", &api.TagHandler{Store: store, MaxBodyBytes: cfg.APIMaxBodyBytes})

	pool := workerpool.New(cfg.Workers, cfg.QueueLength)
	defer pool.Stop()

	reporter, err := stats.NewReporter(store, cfg.StatsLogSchedule)
	if err != nil {
		fatalf("stats reporter: %v", err)
	}
	reporter.Start()
	defer reporter.Stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	defer listener.Close()

	srv := server.New(listener, r, pool)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("tagd: listening on %s (workers=%d queue=%d)", cfg.ListenAddress, cfg.Workers, cfg.QueueLength)

	select {
	case err := <-errCh:
		fatalf("serve: %v", err)
	case sig := <-sigCh:
		log.Printf("tagd: received %s, shutting down", sig)
		listener.Close()
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
