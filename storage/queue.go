package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// QueueReport summarizes one queue run.
type QueueReport struct {
	Kind     Kind
	Outcomes map[Outcome]int
	Failed   map[string]error
	Warnings []error
	Stopped  bool
	Bytes    int64
}

// Succeeded returns the number of requests that finished without error.
func (r *QueueReport) Succeeded() int {
	n := 0
	for _, c := range r.Outcomes {
		n += c
	}

	return n
}

// Queue runs requests of one kind with bounded concurrency. A quota error
// stops the queue: requests already running finish, no new ones start.
type Queue struct {
	kind   Kind
	limit  int
	mode   Mode
	sink   EventSink
	logger *slog.Logger

	stopped atomic.Bool

	mu     sync.Mutex
	active map[string]*Request
}

// NewQueue creates a queue. limit below 1 is treated as 1.
func NewQueue(kind Kind, mode Mode, limit int, sink EventSink, logger *slog.Logger) *Queue {
	if limit < 1 {
		limit = 1
	}

	return &Queue{
		kind:   kind,
		limit:  limit,
		mode:   mode,
		sink:   sink,
		logger: logger.With(slog.String("queue", kind.String())),
		active: make(map[string]*Request),
	}
}

// Stop prevents new requests from starting.
func (q *Queue) Stop() {
	if !q.stopped.Swap(true) {
		q.logger.Info("queue stopped")
	}
}

// Stopped reports whether Stop was called.
func (q *Queue) Stopped() bool {
	return q.stopped.Load()
}

// Cancel stops the queue and cancels every running request.
func (q *Queue) Cancel() {
	q.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.active {
		req.Cancel()
	}
}

// Run processes the attachment ids. Duplicate ids run once, so at most one
// request per attachment is in flight. Only a fatal error is returned;
// everything else is recorded in the report.
func (q *Queue) Run(ctx context.Context, ids []string) (*QueueReport, error) {
	report := &QueueReport{
		Kind:     q.kind,
		Outcomes: make(map[Outcome]int),
		Failed:   make(map[string]error),
	}

	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.limit)

	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}

		if q.Stopped() || gctx.Err() != nil {
			break
		}

		req := NewRequest(q.kind, id)

		g.Go(func() error {
			// A fatal error cancels gctx before the slot it held is
			// released, so requests waiting for a slot never start.
			if q.Stopped() || gctx.Err() != nil {
				return nil
			}

			q.track(req)
			defer q.untrack(req)

			res, err := q.exec(gctx, req)

			reportMu.Lock()
			defer reportMu.Unlock()

			if err == nil {
				report.Outcomes[res.Outcome]++
				report.Bytes += res.Bytes

				return nil
			}

			switch PolicyFor(err) {
			case PolicyIgnore:
				return nil
			case PolicyStopQueue:
				q.Stop()
				report.Failed[id] = err
				report.Warnings = append(report.Warnings, err)
				q.sink.Warning(err)

				return nil
			case PolicyFatal:
				report.Failed[id] = err
				q.sink.Error(req, err)

				return fmt.Errorf("%s %s: %w", q.kind, req.Name(), err)
			default:
				report.Failed[id] = err
				q.sink.Error(req, err)

				return nil
			}
		})
	}

	err := g.Wait()
	report.Stopped = q.Stopped()

	return report, err
}

func (q *Queue) exec(ctx context.Context, req *Request) (Result, error) {
	if q.kind == KindUpload {
		return q.mode.UploadFile(ctx, req)
	}

	return q.mode.DownloadFile(ctx, req)
}

func (q *Queue) track(req *Request) {
	q.mu.Lock()
	q.active[req.ID] = req
	q.mu.Unlock()
}

func (q *Queue) untrack(req *Request) {
	q.mu.Lock()
	delete(q.active, req.ID)
	q.mu.Unlock()
}
