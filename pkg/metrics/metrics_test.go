package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordingMethods(t *testing.T) {
	reg := NewRegistry()
	d, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	d.Candidate("admitted")
	d.Candidate("admitted")
	d.Record("inserted")
	d.PhotoFetch("direct", "ok")
	d.PhotoReject("too_small")
	d.PhotoUpload("ok")
	d.Repair("fixed")
	d.Page()
	d.ObserveStage("write", time.Now())
	d.MarkRun()

	if got := testutil.ToFloat64(d.Candidates.WithLabelValues("admitted")); got != 2 {
		t.Fatalf("candidates admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(d.PagesFetched); got != 1 {
		t.Fatalf("pages = %v, want 1", got)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestNilDirectoryIsNoop(t *testing.T) {
	var d *Directory
	d.Candidate("x")
	d.Record("x")
	d.PhotoFetch("x", "y")
	d.PhotoReject("x")
	d.PhotoUpload("x")
	d.Repair("x")
	d.Page()
	d.ObserveStage("x", time.Now())
	d.MarkRun()
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	d, _ := New(reg)
	d.Record("inserted")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `directory_records_written_total{result="inserted"} 1`) {
		t.Fatalf("metric missing from output:\n%s", body)
	}
}
