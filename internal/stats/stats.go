// Package stats runs a cron-scheduled background logger that periodically
// snapshots tag-store size. It never mutates store state and never holds a
// lock that could block a mutation or a listing.
package stats

import (
	"log"

	"github.com/robfig/cron/v3"

	"github.com/tagit-io/tagd/internal/tagstore"
)

// Reporter periodically logs the tag store's user and cell counts on a
// cron schedule (e.g. "@every 1m").
type Reporter struct {
	cron *cron.Cron
}

// NewReporter builds a Reporter for store on the given cron schedule. The
// schedule must already be validated by config.LoadEnvConfig.
func NewReporter(store *tagstore.Store, schedule string) (*Reporter, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		log.Printf("stats: users=%d cells=%d", store.UserCount(), store.CellCount())
	})
	if err != nil {
		return nil, err
	}
	return &Reporter{cron: c}, nil
}

// Start begins the background schedule. Non-blocking.
func (r *Reporter) Start() {
	r.cron.Start()
}

// Stop waits for any in-flight tick to finish and stops the schedule.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
