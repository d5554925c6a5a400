// Package janitor runs scheduled storage maintenance: delivery log purge,
// expired link token sweep, and stale push subscription pruning.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pushbridge/internal/store"
	logx "pushbridge/pkg/logx"
)

// runTimeout bounds one maintenance pass.
const runTimeout = 2 * time.Minute

type Config struct {
	Schedule string
	Timezone string
	// Retention is the delivery log age cutoff.
	Retention time.Duration
	// StaleThreshold prunes subscriptions at or above this gone-count.
	// Zero disables pruning.
	StaleThreshold int
}

// Result is the outcome of one maintenance pass.
type Result struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	PurgedDeliveries    int64         `json:"purged_deliveries"`
	SweptTokens         int64         `json:"swept_tokens"`
	PrunedSubscriptions int64         `json:"pruned_subscriptions"`
	Errors              []string      `json:"errors,omitempty"`
}

type Janitor struct {
	store *store.Store
	log   logx.Logger

	mu   sync.Mutex
	cfg  Config
	cr   *cron.Cron
	last *Result
}

func New(st *store.Store, cfg Config, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{store: st, cfg: cfg, log: log}
}

// Start schedules the maintenance pass. Returns an error only on an invalid
// schedule expression or timezone.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startLocked()
}

func (j *Janitor) startLocked() error {
	loc := time.Local
	if j.cfg.Timezone != "" {
		l, err := time.LoadLocation(j.cfg.Timezone)
		if err != nil {
			return err
		}
		loc = l
	}

	cr := cron.New(cron.WithLocation(loc))
	if _, err := cr.AddFunc(j.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		j.Run(ctx)
	}); err != nil {
		return err
	}
	cr.Start()
	j.cr = cr
	j.log.Info("janitor scheduled",
		logx.String("schedule", j.cfg.Schedule),
		logx.String("timezone", loc.String()),
		logx.Duration("retention", j.cfg.Retention),
		logx.Int("stale_threshold", j.cfg.StaleThreshold))
	return nil
}

// Apply swaps the schedule and limits at runtime. A running pass is not
// interrupted; the new schedule takes effect for subsequent fires.
func (j *Janitor) Apply(cfg Config) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cr == nil {
		j.cfg = cfg
		return nil
	}

	old := j.cfg
	j.cr.Stop()
	j.cr = nil
	j.cfg = cfg
	if err := j.startLocked(); err != nil {
		j.cfg = old
		if rerr := j.startLocked(); rerr != nil {
			j.log.Error("janitor restart with previous config failed", logx.Err(rerr))
		}
		return err
	}
	return nil
}

// Stop halts the schedule, waiting for an in-flight pass up to ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	cr := j.cr
	j.cr = nil
	j.mu.Unlock()
	if cr == nil {
		return
	}
	select {
	case <-cr.Stop().Done():
	case <-ctx.Done():
	}
}

// Run executes one maintenance pass immediately. Individual steps fail
// independently; partial results are still recorded.
func (j *Janitor) Run(ctx context.Context) Result {
	j.mu.Lock()
	cfg := j.cfg
	j.mu.Unlock()

	res := Result{StartedAt: time.Now()}

	if n, err := j.store.PurgeDeliveries(ctx, cfg.Retention); err != nil {
		j.log.Error("delivery purge failed", logx.Err(err))
		res.Errors = append(res.Errors, "purge: "+err.Error())
	} else {
		res.PurgedDeliveries = n
	}

	if n, err := j.store.SweepExpiredTokens(ctx); err != nil {
		j.log.Error("token sweep failed", logx.Err(err))
		res.Errors = append(res.Errors, "sweep: "+err.Error())
	} else {
		res.SweptTokens = n
	}

	if cfg.StaleThreshold > 0 {
		if n, err := j.store.PruneStaleSubscriptions(ctx, cfg.StaleThreshold); err != nil {
			j.log.Error("stale prune failed", logx.Err(err))
			res.Errors = append(res.Errors, "prune: "+err.Error())
		} else {
			res.PrunedSubscriptions = n
		}
	}

	res.Duration = time.Since(res.StartedAt)
	j.log.Info("maintenance pass finished",
		logx.Int64("purged_deliveries", res.PurgedDeliveries),
		logx.Int64("swept_tokens", res.SweptTokens),
		logx.Int64("pruned_subscriptions", res.PrunedSubscriptions),
		logx.Int("errors", len(res.Errors)),
		logx.Duration("took", res.Duration))

	j.mu.Lock()
	j.last = &res
	j.mu.Unlock()
	return res
}

// Last returns the most recent pass result, if any.
func (j *Janitor) Last() (Result, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return Result{}, false
	}
	return *j.last, true
}
