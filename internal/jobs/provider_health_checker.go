package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// ModelLister lists the models an LLM backend serves
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ProviderHealth is the outcome of the latest provider check
type ProviderHealth struct {
	Checked   bool      `json:"checked"`
	Healthy   bool      `json:"healthy"`
	Models    int       `json:"models"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// ProviderHealthChecker periodically probes the active LLM provider
type ProviderHealthChecker struct {
	lister   ModelLister
	interval time.Duration
	timeout  time.Duration

	mu   sync.RWMutex
	last ProviderHealth
}

// NewProviderHealthChecker creates a new provider health checker job
func NewProviderHealthChecker(lister ModelLister, interval time.Duration) *ProviderHealthChecker {
	return &ProviderHealthChecker{
		lister:   lister,
		interval: interval,
		timeout:  15 * time.Second,
	}
}

// Run probes the provider's model list
func (p *ProviderHealthChecker) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	models, err := p.lister.ListModels(ctx)
	result := ProviderHealth{Checked: true, CheckedAt: time.Now(), Models: len(models), Healthy: err == nil}
	if err != nil {
		result.Error = err.Error()
	}

	p.mu.Lock()
	wasHealthy := p.last.Healthy || !p.last.Checked
	p.last = result
	p.mu.Unlock()

	switch {
	case err != nil && wasHealthy:
		log.Printf("[HEALTH-JOB] LLM provider check FAILED: %v", err)
	case err == nil && !wasHealthy:
		log.Printf("[HEALTH-JOB] LLM provider recovered (%d models)", len(models))
	}
	return nil
}

// Interval returns how often the job runs
func (p *ProviderHealthChecker) Interval() time.Duration {
	return p.interval
}

// Status returns the latest check result
func (p *ProviderHealthChecker) Status() ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}
