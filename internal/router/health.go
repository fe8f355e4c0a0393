package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/schedulo/tenantplane/internal/sshtunnel"
)

// pingTimeout bounds the liveness probe per handle.
var pingTimeout = 3 * time.Second

// StartSweeper schedules the periodic maintenance sweep: liveness-probe every
// cached handle, evict failures, then close idle tunnels. A failed cycle logs
// and continues; it never crashes the process or blocks request serving.
func (r *Router) StartSweeper(interval time.Duration, tunnels *sshtunnel.Manager) *cron.Cron {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	c.AddFunc(spec, func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[router] health sweep panicked: %v", p)
			}
		}()
		r.Sweep(context.Background())
		if tunnels != nil {
			tunnels.CloseIdle()
		}
	})
	c.Start()
	return c
}

// Sweep probes every cached handle once and evicts the ones that fail.
func (r *Router) Sweep(ctx context.Context) {
	for tenantID, h := range r.snapshot() {
		probeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := h.Ping(probeCtx)
		cancel()
		if err != nil {
			log.Printf("[router] health check failed for tenant %d: %v", tenantID, err)
			r.Evict(tenantID)
		}
	}
}
