package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for CompactionConfig.
const (
	DefaultMinSegments = 8
	DefaultIdleTimeout = 30 * time.Second
	DefaultCooldown    = time.Hour
)

// CompactionConfig tunes automatic compaction.
type CompactionConfig struct {
	Enabled     bool
	MinSegments int
	IdleTimeout time.Duration
	Cooldown    time.Duration
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.MinSegments <= 0 {
		c.MinSegments = DefaultMinSegments
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Optimizer compacts the index.
type Optimizer interface {
	Optimize(ctx context.Context) (OptimizeResult, error)
}

// SegmentCounter reports the number of segments in the committed view.
type SegmentCounter func() int

// CompactionPolicy runs Optimize in the background once the index has
// accumulated MinSegments segments and no query has arrived for IdleTimeout.
// Runs are at least Cooldown apart. Query activity interrupts a run in
// progress; compaction stops between segments and leaves the index unchanged.
type CompactionPolicy struct {
	cfg       CompactionConfig
	optimizer Optimizer
	segments  SegmentCounter
	clock     func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	idleTimer   *time.Timer
	lastCompact time.Time
	compacting  bool
	cancelFunc  context.CancelFunc
	runs        int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCompactionPolicy creates a policy. It does nothing until Start.
func NewCompactionPolicy(cfg CompactionConfig, optimizer Optimizer, segments SegmentCounter, logger *slog.Logger) *CompactionPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactionPolicy{
		cfg:       cfg.withDefaults(),
		optimizer: optimizer,
		segments:  segments,
		clock:     time.Now,
		logger:    logger,
	}
}

// Start enables the policy for the lifetime of ctx.
func (p *CompactionPolicy) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Debug("compaction policy started",
		slog.Bool("enabled", p.cfg.Enabled),
		slog.Int("min_segments", p.cfg.MinSegments),
		slog.Duration("idle_timeout", p.cfg.IdleTimeout),
		slog.Duration("cooldown", p.cfg.Cooldown))
}

// Stop cancels any run in progress and waits for it to exit. Safe to call twice.
func (p *CompactionPolicy) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Lock()
		if p.idleTimer != nil {
			p.idleTimer.Stop()
		}
		if p.cancelFunc != nil {
			p.cancelFunc()
		}
		p.mu.Unlock()
		p.wg.Wait()
	})
}

// OnCommit re-arms the idle timer after the index version advances.
func (p *CompactionPolicy) OnCommit(int64) {
	p.arm()
}

// OnQuery records query activity: it interrupts a running compaction and
// restarts the idle timer.
func (p *CompactionPolicy) OnQuery() {
	if !p.cfg.Enabled {
		return
	}
	p.mu.Lock()
	if p.compacting && p.cancelFunc != nil {
		p.logger.Debug("interrupting compaction for query")
		p.cancelFunc()
	}
	p.mu.Unlock()
	p.arm()
}

// Runs returns the number of completed compaction runs.
func (p *CompactionPolicy) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func (p *CompactionPolicy) arm() {
	if !p.cfg.Enabled || p.ctx == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, p.onIdle)
}

func (p *CompactionPolicy) onIdle() {
	if !p.shouldCompact() {
		return
	}
	p.startCompaction()
}

func (p *CompactionPolicy) shouldCompact() bool {
	if !p.cfg.Enabled || p.ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	if p.compacting {
		p.mu.Unlock()
		return false
	}
	if since := p.clock().Sub(p.lastCompact); !p.lastCompact.IsZero() && since < p.cfg.Cooldown {
		p.mu.Unlock()
		p.logger.Debug("compaction skipped: cooldown active",
			slog.Duration("remaining", p.cfg.Cooldown-since))
		return false
	}
	p.mu.Unlock()

	segments := p.segments()
	if segments < p.cfg.MinSegments {
		p.logger.Debug("compaction skipped: below segment threshold",
			slog.Int("segments", segments),
			slog.Int("min_segments", p.cfg.MinSegments))
		return false
	}
	p.logger.Info("compaction eligible", slog.Int("segments", segments))
	return true
}

func (p *CompactionPolicy) startCompaction() {
	p.mu.Lock()
	if p.compacting {
		p.mu.Unlock()
		return
	}
	p.compacting = true
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancelFunc = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		start := p.clock()
		res, err := p.optimizer.Optimize(ctx)

		p.mu.Lock()
		p.compacting = false
		p.cancelFunc = nil
		if err == nil {
			p.lastCompact = p.clock()
			p.runs++
		}
		p.mu.Unlock()

		if err != nil {
			p.logger.Debug("background compaction stopped", slog.String("error", err.Error()))
			return
		}
		p.logger.Info("background compaction finished",
			slog.Int("segments_before", res.SegmentsBefore),
			slog.Int("segments_after", res.SegmentsAfter),
			slog.Duration("duration", p.clock().Sub(start)))
	}()
}
