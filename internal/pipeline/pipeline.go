package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mchalios/linkdrop/internal/browser"
	"github.com/mchalios/linkdrop/internal/chat"
	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
)

// Config carries the pipeline-wide policy values.
type Config struct {
	// Workers is the number of download workers. The execution context pool
	// is sized to match, so this is also the concurrency bound.
	Workers int

	// PopTimeout bounds each queue wait so workers re-check liveness.
	PopTimeout time.Duration

	// AcquireTimeout bounds the wait for a free execution context.
	AcquireTimeout time.Duration

	// Cutover is the daily accounting cutover as an offset from midnight.
	Cutover time.Duration

	Download DownloadConfig
	Delivery DeliveryConfig
}

// Pipeline wires the admission gate, queue, worker pool, delivery stage and
// daily reporter into one unit with a shared lifecycle. All blocking waits
// inside it carry timeouts; Stop cancels the shared context and the workers
// exit at their next check.
type Pipeline struct {
	cfg        Config
	gate       *Gate
	queue      *Queue
	pool       *browser.Pool
	downloader *Downloader
	deliverer  *Deliverer
	reporter   *DailyReporter
	errs       chat.Reporter
	log        zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a pipeline over its collaborators. The pool must hold
// cfg.Workers execution contexts.
func New(cfg Config, l *ledger.Ledger, pool *browser.Pool, m chat.Messenger, errs chat.Reporter, reg *chat.Registry, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		gate:       NewGate(l, log),
		queue:      NewQueue(l),
		pool:       pool,
		downloader: NewDownloader(cfg.Download, log),
		deliverer:  NewDeliverer(m, errs, l, reg, cfg.Delivery, log),
		reporter:   NewDailyReporter(l, m, log),
		errs:       errs,
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// Submit runs a download request through admission. It checks credit on the
// correct balance for the target, de-duplicates against in-flight and
// already-delivered resources, and enqueues the task in arrival order.
// ErrNoCredit and ErrDuplicateTask classify the silent rejections.
func (p *Pipeline) Submit(ctx context.Context, target domain.CreditTarget, resourceID, url string) error {
	if !target.Kind.Valid() {
		return fmt.Errorf("submit: unknown recipient kind %q", target.Kind)
	}

	admitted, err := p.gate.Admit(ctx, target)
	if err != nil {
		return err
	}
	if !admitted {
		return ErrNoCredit
	}

	task := domain.Task{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		URL:        url,
		Target:     target,
	}
	if err := p.queue.Push(ctx, task); err != nil {
		return err
	}
	tasksAdmitted.WithLabelValues(string(target.Kind)).Inc()
	p.log.Debug().Str("task", task.ID).Str("target", target.String()).
		Str("resource", resourceID).Msg("task admitted")
	return nil
}

// Start launches the worker goroutines and the daily report schedule.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("pipeline already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.reporter.Start(p.cfg.Cutover); err != nil {
		p.cancel = nil
		return err
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("pipeline started")
	return nil
}

// Stop shuts the pipeline down: no new tasks, workers exit at their next
// bounded wait, the report schedule stops, and the pool closes. Tasks that
// were only in memory are lost and will be re-admitted by the next matching
// chat message.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	p.queue.Close()
	cancel()
	p.wg.Wait()
	p.reporter.Stop()
	p.pool.Close()
	p.log.Info().Msg("pipeline stopped")
}

// runWorker is one worker loop: pop with timeout, process, repeat until the
// context is cancelled and the queue is drained.
func (p *Pipeline) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		task, err := p.queue.Pop(p.cfg.PopTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return
			}
			// Pop timeout: re-check liveness and wait again.
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		p.process(ctx, log, task)
	}
}

// process drives one task through download and delivery. The execution
// context is always released, and released before delivery starts so the
// scarce browser resource is not held through slow chat sends.
func (p *Pipeline) process(ctx context.Context, log zerolog.Logger, task domain.Task) {
	defer p.queue.Done(task)

	ec, err := p.pool.Acquire(ctx, p.cfg.AcquireTimeout)
	if err != nil {
		log.Warn().Str("task", task.ID).Err(err).Msg("no execution context, dropping task")
		return
	}

	path, dlErr := p.download(ctx, ec, task)

	if dlErr != nil {
		if errors.Is(dlErr, ErrRetriesExhausted) {
			p.errs.ReportError("download",
				fmt.Sprintf("download of %s for %s failed after retries", task.ResourceID, task.Target))
		}
		log.Warn().Str("task", task.ID).Err(dlErr).Msg("task failed")
		return
	}

	if err := p.deliverer.Deliver(ctx, task, path); err != nil {
		// Deliver reported the failure itself; nothing to re-queue.
		log.Warn().Str("task", task.ID).Err(err).Msg("delivery did not complete")
	}
}

// download runs the download stage with the execution context held. The
// context is released on every exit path, including a panic out of the
// injected automation layer, which is converted into a failed task so one
// bad page cannot take the worker down.
func (p *Pipeline) download(ctx context.Context, ec browser.ExecContext, task domain.Task) (path string, err error) {
	defer func() {
		p.pool.Release(ec)
		contextsInUse.Dec()
		if rec := recover(); rec != nil {
			p.log.Error().Str("task", task.ID).Interface("panic", rec).
				Bytes("stack", debug.Stack()).Msg("panic during download")
			err = fmt.Errorf("download panicked: %v", rec)
		}
	}()
	contextsInUse.Inc()

	return p.downloader.Download(ctx, ec, task)
}

// Queue exposes the task queue for the embedding router (length checks in
// health reporting).
func (p *Pipeline) Queue() *Queue { return p.queue }

// QueueDepth reports the number of tasks waiting in the queue.
func (p *Pipeline) QueueDepth() int { return p.queue.Len() }

// ContextsIdle reports how many execution contexts are currently free.
func (p *Pipeline) ContextsIdle() int { return p.pool.Idle() }

// ContextsTotal reports the size of the execution context pool.
func (p *Pipeline) ContextsTotal() int { return p.pool.Size() }

// Reporter exposes the daily reporter so an administrative command can
// trigger an out-of-schedule report.
func (p *Pipeline) Reporter() *DailyReporter { return p.reporter }
