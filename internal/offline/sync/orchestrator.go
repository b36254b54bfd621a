package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/learnpath/learnsync/internal/metrics"
	"github.com/learnpath/learnsync/internal/offline/connectivity"
	"github.com/learnpath/learnsync/internal/offline/queue"
	"github.com/learnpath/learnsync/internal/offline/remote"
	"github.com/learnpath/learnsync/internal/offline/schema"
)

// Orchestrator owns the queue's consumer side.
type Orchestrator struct {
	queue   *queue.Queue
	backend remote.Backend
	monitor *connectivity.Monitor
	opts    Options
	generic map[schema.Kind]bool

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        stdsync.Mutex
	state     DrainState
	lastDrain *Report
	// base is Run's context while Run is active; stopping is set once Run
	// has begun shutting down and no further drains may be triggered.
	base     context.Context
	stopping bool

	wg stdsync.WaitGroup
}

// New creates an orchestrator.
//
// The queue's database must be initialized. The orchestrator does not own
// the monitor; sources feeding it are started separately.
//
// Example:
//
//	q := queue.New(database)
//	monitor := connectivity.NewMonitor(false, logger)
//	orch, err := sync.New(q, backend, monitor, sync.DefaultOptions())
func New(q *queue.Queue, backend remote.Backend, monitor *connectivity.Monitor, opts Options) (*Orchestrator, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts cannot be negative")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	generic := make(map[schema.Kind]bool, len(opts.GenericKinds))
	for _, k := range opts.GenericKinds {
		generic[k] = true
	}

	return &Orchestrator{
		queue:   q,
		backend: backend,
		monitor: monitor,
		opts:    opts,
		generic: generic,
		logger:  logger.Named("sync"),
		metrics: m,
		now:     now,
		state:   StateIdle,
	}, nil
}

// GetConnectionStatus implements Engine.
func (o *Orchestrator) GetConnectionStatus() bool {
	return o.monitor.IsOnline()
}

// Submit implements Engine.
func (o *Orchestrator) Submit(ctx context.Context, kind schema.Kind, payload json.RawMessage) (SubmitResult, error) {
	res := SubmitResult{Kind: kind, At: o.now()}

	if o.monitor.IsOnline() {
		err := o.dispatch(ctx, kind, payload)
		if err == nil {
			res.Status = StatusDelivered
			o.metrics.Submits.WithLabelValues(string(StatusDelivered)).Inc()
			o.notifySubmit(res)
			return res, nil
		}
		o.logger.Warn("immediate dispatch failed, queueing",
			zap.String("kind", string(kind)), zap.Error(err))
		res.Reason = err.Error()
	}

	item, err := o.queue.Enqueue(ctx, kind, schema.ActionUpsert, payload)
	if err != nil {
		o.metrics.Submits.WithLabelValues("error").Inc()
		return SubmitResult{}, fmt.Errorf("failed to defer %s write: %w", kind, err)
	}

	res.Status = StatusDeferred
	res.ItemID = item.ID
	o.metrics.Submits.WithLabelValues(string(StatusDeferred)).Inc()
	o.logger.Debug("write deferred", zap.String("kind", string(kind)), zap.Int64("id", item.ID))
	o.notifySubmit(res)
	return res, nil
}

// SaveProgress implements Engine.
func (o *Orchestrator) SaveProgress(ctx context.Context, p *schema.Progress) (SubmitResult, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = o.now().UTC()
	}
	if err := o.queue.Store().StoreProgress(ctx, p); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to save progress locally: %w", err)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to marshal progress: %w", err)
	}
	return o.Submit(ctx, schema.KindProgress, payload)
}

// Drain implements Engine.
func (o *Orchestrator) Drain(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.state = StateDrainingRerun
		o.mu.Unlock()
		o.metrics.Drains.WithLabelValues("coalesced").Inc()
		o.logger.Debug("drain already running, scheduling rerun")
		return Report{Coalesced: true}, nil
	}
	if !o.monitor.IsOnline() {
		o.mu.Unlock()
		o.metrics.Drains.WithLabelValues("offline").Inc()
		return Report{Offline: true}, nil
	}
	o.state = StateDraining
	o.mu.Unlock()

	report := Report{RunID: uuid.NewString(), StartedAt: o.now()}
	o.logger.Info("starting drain", zap.String("run", report.RunID))

	var (
		drainErr error
		handOff  bool
	)
	for {
		report.Passes++
		drainErr = o.drainPass(ctx, &report)

		o.mu.Lock()
		rerun := o.state == StateDrainingRerun
		online := o.monitor.IsOnline()
		if drainErr != nil || !rerun || ctx.Err() != nil || !online {
			// A rerun requested by someone else must not die with this
			// caller's context.
			handOff = drainErr == nil && rerun && ctx.Err() != nil && online
			o.state = StateIdle
			o.mu.Unlock()
			break
		}
		o.state = StateDraining
		o.mu.Unlock()
		o.logger.Debug("rerunning drain for items enqueued meanwhile", zap.String("run", report.RunID))
	}

	report.FinishedAt = o.now()
	o.finishReport(context.WithoutCancel(ctx), &report)
	if handOff {
		o.handOff(ctx, report.RunID)
	}

	if drainErr != nil {
		o.metrics.Drains.WithLabelValues("error").Inc()
		o.logger.Error("drain aborted", zap.String("run", report.RunID), zap.Error(drainErr))
		return report, drainErr
	}

	o.metrics.Drains.WithLabelValues("completed").Inc()
	o.metrics.DrainDuration.Observe(report.Duration().Seconds())
	o.logger.Info("drain complete",
		zap.String("run", report.RunID),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Int("remaining", report.Remaining),
	)

	o.mu.Lock()
	last := report
	o.lastDrain = &last
	o.mu.Unlock()

	if o.opts.OnDrain != nil {
		o.opts.OnDrain(report)
	}
	return report, nil
}

// drainPass dispatches a snapshot of the queue in id order. Individual
// failures are recorded and skipped; only store failures abort the pass.
// Outcomes of dispatched items are written even if ctx ends mid-pass.
func (o *Orchestrator) drainPass(ctx context.Context, report *Report) error {
	items, err := o.queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)

	for _, item := range items {
		if ctx.Err() != nil {
			return nil
		}
		if !o.monitor.IsOnline() {
			o.logger.Info("went offline during drain, stopping pass")
			return nil
		}
		if o.opts.RateLimit != nil {
			if err := o.opts.RateLimit.Wait(ctx); err != nil {
				return nil
			}
		}

		report.Attempted++
		if err := o.dispatch(ctx, item.Kind, item.Payload); err != nil {
			if ctx.Err() != nil {
				// Interrupted, not rejected; the attempt is not counted.
				return nil
			}
			if err := o.handleFailure(bg, item, err, report); err != nil {
				return err
			}
			continue
		}

		report.Synced++
		o.metrics.ItemsSynced.WithLabelValues(string(item.Kind)).Inc()
		if err := o.queue.Remove(bg, item.ID); err != nil {
			// The item stays queued and will be delivered again.
			o.logger.Error("delivered item could not be removed", zap.Int64("id", item.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, item schema.SyncItem, cause error, report *Report) error {
	report.Failed++
	o.metrics.ItemsFailed.WithLabelValues(string(item.Kind)).Inc()
	o.logger.Warn("failed to sync item",
		zap.Int64("id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.Error(cause),
	)

	attempts, err := o.queue.RecordFailure(ctx, item.ID, cause)
	if err != nil {
		return err
	}

	ie := ItemError{ID: item.ID, Kind: item.Kind, Attempts: attempts, Error: cause.Error()}

	reason := ""
	switch {
	case remote.IsPermanent(cause):
		reason = "rejected by backend: " + cause.Error()
	case o.opts.MaxAttempts > 0 && attempts >= o.opts.MaxAttempts:
		reason = fmt.Sprintf("gave up after %d attempts: %s", attempts, cause.Error())
	}
	if reason != "" {
		if err := o.queue.DeadLetter(ctx, item.ID, reason); err != nil {
			return err
		}
		ie.DeadLettered = true
		report.DeadLettered++
		o.metrics.ItemsDeadLettered.WithLabelValues(string(item.Kind)).Inc()
		o.logger.Warn("item dead-lettered", zap.Int64("id", item.ID), zap.String("reason", reason))
	}

	report.Errors = append(report.Errors, ie)
	return nil
}

func (o *Orchestrator) finishReport(ctx context.Context, report *Report) {
	if n, err := o.queue.Len(ctx); err == nil {
		report.Remaining = n
		o.metrics.QueueDepth.Set(float64(n))
	}
	if n, err := o.queue.DeadLetterLen(ctx); err == nil {
		o.metrics.DeadLetters.Set(float64(n))
	}
}

// dispatch sends one write to the backend according to its kind.
func (o *Orchestrator) dispatch(ctx context.Context, kind schema.Kind, payload json.RawMessage) error {
	switch kind {
	case schema.KindProgress:
		return o.backend.UpsertProgress(ctx, payload)

	case schema.KindPoints:
		delta, err := decodePoints(payload)
		if err != nil {
			return remote.Permanent(err)
		}
		return o.backend.ApplyPointsDelta(ctx, delta.StudentID, delta.PointsToAdd)

	default:
		if o.generic[kind] {
			return o.backend.Upsert(ctx, string(kind), payload)
		}
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// decodePoints reads a points payload. Both the snake_case wire spelling and
// camelCase are accepted.
func decodePoints(payload json.RawMessage) (schema.PointsDelta, error) {
	if !gjson.ValidBytes(payload) {
		return schema.PointsDelta{}, errors.New("points payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)

	var d schema.PointsDelta
	if v := doc.Get("student_id"); v.Exists() {
		d.StudentID = v.String()
	} else {
		d.StudentID = doc.Get("studentId").String()
	}
	points := doc.Get("points_to_add")
	if !points.Exists() {
		points = doc.Get("pointsToAdd")
	}
	if points.Type != gjson.Number {
		return schema.PointsDelta{}, errors.New("points payload needs a numeric points_to_add")
	}
	d.PointsToAdd = int(points.Int())

	if err := d.Validate(); err != nil {
		return schema.PointsDelta{}, err
	}
	return d, nil
}

func (o *Orchestrator) notifySubmit(res SubmitResult) {
	if o.opts.OnSubmit != nil {
		o.opts.OnSubmit(res)
	}
}

// handOff starts the pending rerun of a drain whose context ended. Under
// Run it inherits Run's context, so shutdown still stops it.
func (o *Orchestrator) handOff(ctx context.Context, runID string) {
	o.mu.Lock()
	base := o.base
	o.mu.Unlock()
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	if base.Err() != nil {
		return
	}
	o.logger.Info("caller went away with a rerun pending, continuing in background",
		zap.String("run", runID))
	o.Trigger(base)
}

// Trigger implements Engine. The drain runs on ctx; Wait blocks until every
// triggered drain has returned. Once Run is shutting down Trigger does
// nothing.
func (o *Orchestrator) Trigger(ctx context.Context) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		o.logger.Debug("orchestrator stopping, drain not started")
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		if _, err := o.Drain(ctx); err != nil {
			o.logger.Error("triggered drain failed", zap.Error(err))
		}
	}()
}

// Wait blocks until all triggered drains have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run drains on every transition to online until ctx is cancelled. If the
// monitor is already online, one drain is started immediately.
func (o *Orchestrator) Run(ctx context.Context) error {
	events, cancel := o.monitor.Subscribe()
	defer cancel()

	o.mu.Lock()
	o.base = ctx
	o.stopping = false
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.base = nil
		o.stopping = true
		o.mu.Unlock()
		o.Wait()
	}()

	o.logger.Info("sync orchestrator running", zap.Bool("online", o.monitor.IsOnline()))
	if o.monitor.IsOnline() {
		o.Trigger(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Online {
				o.logger.Info("back online, draining queue")
				o.Trigger(ctx)
			}
		}
	}
}

// Status implements Engine.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	pending, err := o.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := o.queue.DeadLetterLen(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Online:      o.monitor.IsOnline(),
		State:       o.state,
		Pending:     pending,
		DeadLetters: dead,
	}
	if o.lastDrain != nil {
		last := *o.lastDrain
		st.LastDrain = &last
	}
	return st, nil
}
