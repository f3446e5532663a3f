package jobs

import (
	"context"
	"log"
	"time"
)

// SessionEvicter drops finished sessions
type SessionEvicter interface {
	EvictCompleted(ttl time.Duration) int
}

// OrphanSweeper finalizes sessions whose runner is gone or overran
type OrphanSweeper interface {
	SweepOrphans(maxAge time.Duration) int
}

// SessionEvictionJob removes completed sessions once they are older than ttl
type SessionEvictionJob struct {
	sessions SessionEvicter
	ttl      time.Duration
	interval time.Duration
}

// NewSessionEvictionJob creates a session eviction job.
// interval: how often to run; ttl: how long a completed session stays readable
func NewSessionEvictionJob(sessions SessionEvicter, ttl, interval time.Duration) *SessionEvictionJob {
	return &SessionEvictionJob{sessions: sessions, ttl: ttl, interval: interval}
}

// Run evicts expired sessions
func (j *SessionEvictionJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := j.sessions.EvictCompleted(j.ttl); n > 0 {
		log.Printf("🧹 [SESSION-CLEANUP] Evicted %d sessions completed more than %s ago", n, j.ttl)
	}
	return nil
}

// Interval returns how often the job runs
func (j *SessionEvictionJob) Interval() time.Duration {
	return j.interval
}

// OrphanSweepJob finalizes sessions left unfinished by a runner that died
// (e.g. a panic outside stage recovery) and cancels runs older than maxAge.
type OrphanSweepJob struct {
	sessions OrphanSweeper
	maxAge   time.Duration
	interval time.Duration
}

// NewOrphanSweepJob creates a new orphan sweep job
func NewOrphanSweepJob(sessions OrphanSweeper, maxAge, interval time.Duration) *OrphanSweepJob {
	return &OrphanSweepJob{sessions: sessions, maxAge: maxAge, interval: interval}
}

// Run sweeps orphaned sessions
func (j *OrphanSweepJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := j.sessions.SweepOrphans(j.maxAge); n > 0 {
		log.Printf("🧹 [ORPHAN-CLEANUP] Cleaned up %d orphaned sessions", n)
	}
	return nil
}

// Interval returns how often the job runs
func (j *OrphanSweepJob) Interval() time.Duration {
	return j.interval
}
