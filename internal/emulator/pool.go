package emulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/beanpuppy/retrobot/internal/config"
	"github.com/beanpuppy/retrobot/internal/model"
)

// Pool bounds how many engine steps run at once and tracks engine health.
// A step that has started is not cancelled by its caller; it is bounded by
// EngineTimeout only.
type Pool struct {
	engine  Engine
	cfg     config.Config
	sem     *semaphore.Weighted
	mu      sync.Mutex
	health  HealthState
	running int
	now     func() time.Time
}

func NewPool(engine Engine, cfg config.Config) *Pool {
	workers := cfg.EngineWorkers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		engine: engine,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(workers)),
		health: HealthState{Current: HealthOK},
		now:    time.Now,
	}
}

func (p *Pool) Run(ctx context.Context, req Request) (Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	p.running++
	p.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.EngineTimeout)
	res, err := p.engine.Run(runCtx, req)
	cancel()

	p.mu.Lock()
	p.running--
	if err == nil || errors.Is(err, model.ErrEngine) {
		p.health = NextHealth(p.cfg, p.health, err == nil, p.now().UTC())
	}
	p.mu.Unlock()
	return res, err
}

type PoolStatus struct {
	Health  HealthState
	Running int
	Workers int
}

func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers := p.cfg.EngineWorkers
	if workers < 1 {
		workers = 1
	}
	return PoolStatus{Health: p.health, Running: p.running, Workers: workers}
}
