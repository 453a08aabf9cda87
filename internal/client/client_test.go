package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"watermark-encoder/pkg/models"
)

func TestReportJob(t *testing.T) {
	var got models.JobResultPayload
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rep := NewReporter(srv.URL, "session-1", zerolog.Nop())
	p := models.JobResultPayload{JobID: "job-1", Input: "ep01.mkv", Variant: "watermarked", Status: models.StatusCompleted}
	p.Metrics.VideoBitrate = 4_000_000
	if err := rep.ReportJob(context.Background(), p); err != nil {
		t.Fatalf("ReportJob: %v", err)
	}

	if got.JobID != "job-1" || got.Status != models.StatusCompleted || got.Metrics.VideoBitrate != 4_000_000 {
		t.Errorf("payload = %+v", got)
	}
	if headers.Get("X-Session-ID") != "session-1" || headers.Get("X-Event") != "job" {
		t.Errorf("headers = %v", headers)
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", headers.Get("Content-Type"))
	}
}

func TestReportSummary_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var p models.BatchSummaryPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.SessionID != "session-2" {
			t.Errorf("session id = %q", p.SessionID)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := NewReporter(srv.URL, "session-2", zerolog.Nop())
	if err := rep.ReportSummary(context.Background(), models.BatchSummaryPayload{Files: 3}); err != nil {
		t.Fatalf("ReportSummary: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestReportJob_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewReporter(srv.URL, "s", zerolog.Nop()).ReportJob(context.Background(), models.JobResultPayload{JobID: "j"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want StatusError 400", err)
	}
}

func TestReporter_DisabledIsNoop(t *testing.T) {
	rep := NewReporter("", "s", zerolog.Nop())
	if rep.Enabled() {
		t.Error("empty URL must disable reporting")
	}
	if err := rep.ReportJob(context.Background(), models.JobResultPayload{}); err != nil {
		t.Errorf("ReportJob: %v", err)
	}
	var nilRep *Reporter
	if err := nilRep.ReportSummary(context.Background(), models.BatchSummaryPayload{}); err != nil {
		t.Errorf("nil reporter: %v", err)
	}
}
