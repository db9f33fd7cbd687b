package aggregator

import (
	"context"
	"log"
	"time"

	"github.com/ocx/threatfabric/internal/model"
)

// TrustReader is the read-only slice of the trust manager the aggregator
// is allowed to depend on directly — Get for the per-submission weight
// and for each reporter's term in the mean-trust consensus check;
// Aggregator itself never calls Snapshot. Design note: resolving the
// Aggregator/Trust-Manager cycle by making this dependency one-directional,
// with outcomes flowing the other way through OutcomeQueue instead of a
// back-reference.
type TrustReader interface {
	Get(ctx context.Context, clientID string) (*model.TrustScore, error)
	Snapshot(ctx context.Context) (map[string]*model.TrustScore, error)
}

// OutcomeRecorder is the write-only slice of the trust manager the
// outcome queue drains into.
type OutcomeRecorder interface {
	UpdateOnReport(ctx context.Context, clientID string, outcome model.ReportOutcome, now time.Time) (*model.TrustScore, error)
}

type outcomeJob struct {
	clientID string
	outcome  model.ReportOutcome
	attempt  int
}

// OutcomeQueue decouples "an IOC just got verified/expired" from "credit
// or debit every reporter's trust" — a just-fired verification broadcast
// must never be rolled back by a trust-store hiccup, so trust updates for
// a promotion are applied asynchronously with a few bounded retries
// rather than inline with the submit that triggered them.
type OutcomeQueue struct {
	recorder   OutcomeRecorder
	jobs       chan outcomeJob
	maxRetries int
	logger     *log.Logger
	done       chan struct{}
}

func NewOutcomeQueue(recorder OutcomeRecorder, bufferSize, maxRetries int) *OutcomeQueue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	q := &OutcomeQueue{
		recorder:   recorder,
		jobs:       make(chan outcomeJob, bufferSize),
		maxRetries: maxRetries,
		logger:     log.New(log.Writer(), "[outcome-queue] ", log.LstdFlags),
		done:       make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules a best-effort trust update. It never blocks the
// caller's submit path: if the queue is saturated the job is dropped and
// logged, matching the spec's "logged but does not revert the
// verification" failure semantics.
func (q *OutcomeQueue) Enqueue(clientID string, outcome model.ReportOutcome) {
	select {
	case q.jobs <- outcomeJob{clientID: clientID, outcome: outcome}:
	default:
		q.logger.Printf("dropped outcome job for client %s (queue saturated)", clientID)
	}
}

func (q *OutcomeQueue) run() {
	for {
		select {
		case job := <-q.jobs:
			q.process(job)
		case <-q.done:
			return
		}
	}
}

func (q *OutcomeQueue) process(job outcomeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := q.recorder.UpdateOnReport(ctx, job.clientID, job.outcome, time.Now())
	if err == nil {
		return
	}
	job.attempt++
	if job.attempt >= q.maxRetries {
		q.logger.Printf("giving up on outcome for client %s after %d attempts: %v", job.clientID, job.attempt, err)
		return
	}
	select {
	case q.jobs <- job:
	default:
		q.logger.Printf("dropped retry for client %s (queue saturated)", job.clientID)
	}
}

func (q *OutcomeQueue) Stop() { close(q.done) }
