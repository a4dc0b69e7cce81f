package ingest

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/localbiz/directory/engine/domain"
	"github.com/localbiz/directory/engine/places"
	"github.com/localbiz/directory/engine/store"
	"github.com/localbiz/directory/pkg/natsutil"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *capturePublisher) on(subject string) []*nats.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*nats.Msg
	for _, m := range c.msgs {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type fakeSearcher struct {
	results map[string][]domain.Candidate
	queries []places.Query
}

func (f *fakeSearcher) Search(_ context.Context, q places.Query) iter.Seq[domain.Candidate] {
	f.queries = append(f.queries, q)
	return slices.Values(f.results[q.Text])
}

func candidate(id, name string) domain.Candidate {
	c := tacoPlace()
	c.SourceID, c.Name, c.Photos = id, name, nil
	return c
}

func TestHandlePublishesProgressAndDone(t *testing.T) {
	s := store.NewMemory()
	search := &fakeSearcher{results: map[string][]domain.Candidate{
		"tacos":    {candidate("a", "Taco A"), candidate("b", "Taco B")},
		"plomeros": {candidate("c", "Plomería C")},
	}}
	pub := &capturePublisher{}
	c := NewConsumer(newPipeline(s, nil, nil), search, pub, nil)

	sum, err := c.Handle(context.Background(), Request{ID: "req-1", Queries: []string{"tacos", " ", "plomeros"}})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Inserted != 3 || sum.Seen != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(search.queries) != 2 {
		t.Fatalf("searched %d queries, want 2", len(search.queries))
	}
	if q := search.queries[0]; q.Center == nil || q.RadiusMeters != 2000 {
		t.Fatalf("query = %+v", q)
	}

	progress := pub.on(ProgressSubject)
	if len(progress) != 3 {
		t.Fatalf("progress events = %d", len(progress))
	}
	_, last, err := natsutil.Decode[Progress](progress[2])
	if err != nil {
		t.Fatal(err)
	}
	if last.RequestID != "req-1" || last.Query != "plomeros" || last.Summary.Seen != 3 {
		t.Fatalf("last progress = %+v", last)
	}

	done := pub.on(DoneSubject)
	if len(done) != 1 {
		t.Fatalf("done events = %d", len(done))
	}
	_, d, _ := natsutil.Decode[Done](done[0])
	if d.Error != "" || d.Summary != sum {
		t.Fatalf("done = %+v", d)
	}
}

func TestHandleEmptyRequest(t *testing.T) {
	pub := &capturePublisher{}
	c := NewConsumer(newPipeline(store.NewMemory(), nil, nil), &fakeSearcher{}, pub, nil)

	if _, err := c.Handle(context.Background(), Request{ID: "r"}); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("err = %v", err)
	}
	done := pub.on(DoneSubject)
	if len(done) != 1 {
		t.Fatalf("done events = %d", len(done))
	}
	_, d, _ := natsutil.Decode[Done](done[0])
	if d.Error == "" {
		t.Fatal("done event should carry the error")
	}
}

func TestHandleAllFailedIsAnError(t *testing.T) {
	pub := &capturePublisher{}
	search := &fakeSearcher{results: map[string][]domain.Candidate{"tacos": {candidate("a", "Taco A")}}}
	c := NewConsumer(newPipeline(failingStore{store.NewMemory()}, nil, nil), search, pub, nil)

	sum, err := c.Handle(context.Background(), Request{ID: "r", Queries: []string{"tacos"}})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func requestMsg(t *testing.T, req Request) *nats.Msg {
	t.Helper()
	msg, err := natsutil.NewMsg(context.Background(), RequestSubject, req)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestServeRetriesThenDeadLetters(t *testing.T) {
	pub := &capturePublisher{}
	search := &fakeSearcher{results: map[string][]domain.Candidate{"tacos": {candidate("a", "Taco A")}}}
	c := NewConsumer(newPipeline(failingStore{store.NewMemory()}, nil, nil), search, pub, nil)
	ctx := context.Background()
	req := Request{ID: "r1", Queries: []string{"tacos"}}

	msg := requestMsg(t, req)
	for attempt := 1; attempt < MaxRetries; attempt++ {
		c.serve(ctx, ctx, req, msg)
		retried := pub.on(RequestSubject)
		if len(retried) != attempt {
			t.Fatalf("attempt %d: %d retries published", attempt, len(retried))
		}
		msg = retried[attempt-1]
		if got := msg.Header.Get(RetryHeader); got != strconv.Itoa(attempt) {
			t.Fatalf("attempt %d: retry header = %q", attempt, got)
		}
		if len(pub.on(DLQSubject)) != 0 {
			t.Fatalf("attempt %d: dead-lettered early", attempt)
		}
	}

	c.serve(ctx, ctx, req, msg)
	if n := len(pub.on(RequestSubject)); n != MaxRetries-1 {
		t.Fatalf("retries published = %d", n)
	}
	dlq := pub.on(DLQSubject)
	if len(dlq) != 1 {
		t.Fatalf("dlq events = %d", len(dlq))
	}
	_, d, err := natsutil.Decode[dlqMessage](dlq[0])
	if err != nil {
		t.Fatal(err)
	}
	if d.Retries != MaxRetries || !strings.Contains(d.Error, "every admitted candidate failed") {
		t.Fatalf("dlq = %+v", d)
	}
}

func TestServeDeadLettersEmptyRequestAtOnce(t *testing.T) {
	pub := &capturePublisher{}
	c := NewConsumer(newPipeline(store.NewMemory(), nil, nil), &fakeSearcher{}, pub, nil)
	ctx := context.Background()
	req := Request{ID: "r2"}

	c.serve(ctx, ctx, req, requestMsg(t, req))
	if len(pub.on(RequestSubject)) != 0 {
		t.Fatal("empty request was retried")
	}
	if len(pub.on(DLQSubject)) != 1 {
		t.Fatal("empty request not dead-lettered")
	}
}

func TestServeRunsValidRequest(t *testing.T) {
	s := store.NewMemory()
	pub := &capturePublisher{}
	search := &fakeSearcher{results: map[string][]domain.Candidate{"tacos": {candidate("a", "Taco A")}}}
	c := NewConsumer(newPipeline(s, nil, nil), search, pub, nil)
	ctx := context.Background()
	req := Request{ID: "r3", Queries: []string{"tacos"}}

	c.serve(ctx, ctx, req, requestMsg(t, req))
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
	if len(pub.on(DLQSubject)) != 0 || len(pub.on(RequestSubject)) != 0 {
		t.Fatal("valid request was retried or dead-lettered")
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		header nats.Header
		want   int
	}{
		{nil, 0},
		{nats.Header{}, 0},
		{nats.Header{RetryHeader: {"2"}}, 2},
		{nats.Header{RetryHeader: {"-1"}}, 0},
		{nats.Header{RetryHeader: {"many"}}, 0},
	}
	for _, tt := range tests {
		if got := retryCount(&nats.Msg{Header: tt.header}); got != tt.want {
			t.Errorf("retryCount(%v) = %d, want %d", tt.header, got, tt.want)
		}
	}
}
