package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/places"
	"github.com/localbiz/directory/pkg/natsutil"
)

// NATS subjects of the on-demand ingestion flow.
const (
	RequestSubject  = "directory.ingest.request"
	ProgressSubject = "directory.ingest.progress"
	DoneSubject     = "directory.ingest.done"
	DLQSubject      = "directory.ingest.dlq"
)

const (
	// MaxRetries is how many failed attempts a request gets before it is
	// dead-lettered.
	MaxRetries = 3
	// RetryHeader carries the number of failed attempts so far.
	RetryHeader = "X-Retry-Count"
)

var (
	ErrEmptyRequest = errors.New("ingest: request has no queries")
	ErrAllFailed    = errors.New("ingest: every admitted candidate failed")
)

// Request asks for one or more text searches to be ingested.
type Request struct {
	ID      string   `json:"id"`
	Queries []string `json:"queries"`
}

// Progress is published after every candidate.
type Progress struct {
	RequestID string  `json:"request_id"`
	Query     string  `json:"query"`
	Summary   Summary `json:"summary"`
}

// Done is published once per request.
type Done struct {
	RequestID string  `json:"request_id"`
	Summary   Summary `json:"summary"`
	Error     string  `json:"error,omitempty"`
}

type dlqMessage struct {
	Subject string `json:"subject"`
	Data    string `json:"data"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Searcher yields candidates for a query. *places.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, q places.Query) iter.Seq[domain.Candidate]
}

// Consumer serves ingestion requests arriving over NATS.
type Consumer struct {
	pipeline *Pipeline
	search   Searcher
	pub      natsutil.Publisher
	log      *slog.Logger
}

// NewConsumer creates a Consumer publishing events through pub.
func NewConsumer(p *Pipeline, s Searcher, pub natsutil.Publisher, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{pipeline: p, search: s, pub: pub, log: log}
}

// Handle runs every query of req through the pipeline in order, publishing
// progress as it goes and a Done event at the end. The returned summary
// covers all queries. A request in which candidates failed and none
// succeeded returns ErrAllFailed.
func (c *Consumer) Handle(ctx context.Context, req Request) (Summary, error) {
	var total Summary
	queries := make([]string, 0, len(req.Queries))
	for _, q := range req.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return total, c.finish(ctx, req, total, ErrEmptyRequest)
	}

	zone := c.pipeline.deps.Zone
	for _, q := range queries {
		base := total
		s, err := c.pipeline.Run(ctx, c.search.Search(ctx, places.Query{
			Text:         q,
			Center:       &zone.Center,
			RadiusMeters: zone.RadiusMeters(),
		}), func(s Summary) {
			ev := Progress{RequestID: req.ID, Query: q, Summary: base.Merge(s)}
			if err := natsutil.Publish(ctx, c.pub, ProgressSubject, ev); err != nil {
				c.log.Warn("ingest: progress publish failed", "request", req.ID, "error", err)
			}
		})
		total = total.Merge(s)
		if err != nil {
			return total, c.finish(ctx, req, total, err)
		}
	}
	if total.Failed > 0 && total.Success == 0 {
		return total, c.finish(ctx, req, total, fmt.Errorf("%w: %d failures", ErrAllFailed, total.Failed))
	}
	return total, c.finish(ctx, req, total, nil)
}

func (c *Consumer) finish(ctx context.Context, req Request, s Summary, runErr error) error {
	done := Done{RequestID: req.ID, Summary: s}
	if runErr != nil {
		done.Error = runErr.Error()
		c.log.Error("ingest: request failed", "request", req.ID, "error", runErr)
	}
	// The done event is published even when ctx was cancelled mid-run.
	if err := natsutil.Publish(context.WithoutCancel(ctx), c.pub, DoneSubject, done); err != nil {
		return errors.Join(runErr, fmt.Errorf("ingest: publish done: %w", err))
	}
	return runErr
}

// serve runs one decoded request. A failed run is republished with an
// incremented RetryHeader until MaxRetries attempts have failed, then it is
// dead-lettered. Empty requests never succeed and go straight to the DLQ.
func (c *Consumer) serve(ctx, mctx context.Context, req Request, msg *nats.Msg) {
	// Keep the caller's trace but the consumer's lifetime.
	ctx = trace.ContextWithRemoteSpanContext(ctx, trace.SpanContextFromContext(mctx))
	_, err := c.Handle(ctx, req)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrEmptyRequest):
		c.deadLetter(ctx, msg, err, retryCount(msg))
	default:
		c.retry(ctx, msg, err)
	}
}

func (c *Consumer) retry(ctx context.Context, msg *nats.Msg, cause error) {
	retries := retryCount(msg) + 1
	if retries >= MaxRetries {
		c.deadLetter(ctx, msg, cause, retries)
		return
	}
	c.log.Warn("ingest: retrying request", "retry", retries, "error", cause)
	out := nats.NewMsg(RequestSubject)
	out.Data = msg.Data
	for k, v := range msg.Header {
		out.Header[k] = slices.Clone(v)
	}
	out.Header.Set(RetryHeader, strconv.Itoa(retries))
	if err := c.pub.PublishMsg(out); err != nil {
		c.log.Error("ingest: retry publish failed", "error", err)
		c.deadLetter(ctx, msg, cause, retries)
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (c *Consumer) deadLetter(ctx context.Context, msg *nats.Msg, cause error, retries int) {
	c.log.Error("ingest: dead letter", "subject", msg.Subject, "retries", retries, "error", cause)
	ev := dlqMessage{Subject: msg.Subject, Data: string(msg.Data), Error: cause.Error(), Retries: retries}
	if err := natsutil.Publish(context.WithoutCancel(ctx), c.pub, DLQSubject, ev); err != nil {
		c.log.Error("ingest: DLQ publish failed", "error", err)
	}
}

// Start subscribes to RequestSubject. Requests are served one at a time in
// arrival order on the subscription goroutine. Malformed requests are
// dead-lettered without a retry.
func (c *Consumer) Start(ctx context.Context, nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.Subscribe(nc, RequestSubject, c.log,
		func(mctx context.Context, req Request, msg *nats.Msg) { c.serve(ctx, mctx, req, msg) },
		func(msg *nats.Msg, err error) {
			c.deadLetter(ctx, msg, fmt.Errorf("ingest: decode request: %w", err), retryCount(msg))
		})
}
