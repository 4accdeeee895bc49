package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestRunner(handler http.Handler) (*Runner, *bytes.Buffer, *bytes.Buffer, func()) {
	srv := httptest.NewServer(handler)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewRunner(srv.URL, out, errOut), out, errOut, srv.Close
}

func TestVehiclesTableOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/vehicles", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z","vehicles":[
			{"slot":"scout","name":"Scout","system_id":1,"component_id":1,"link":"live","battery":87,
			 "position":{"lat":28.5355,"lon":77.391,"alt":42}},
			{"slot":"delivery","name":"Delivery","system_id":0,"component_id":0,"link":"disconnected","battery":-1}
		]}`)
	})
	r, out, _, done := newTestRunner(mux)
	defer done()

	if code := r.Run(context.Background(), []string{"vehicles"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	text := out.String()
	if !strings.Contains(text, "scout") || !strings.Contains(text, "live") || !strings.Contains(text, "87%") {
		t.Fatalf("unexpected output:\n%s", text)
	}
	if !strings.Contains(text, "disconnected") {
		t.Fatalf("missing disconnected row:\n%s", text)
	}
}

func TestApprovePrintsMission(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/detections/3/approve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z",
			"detection":{"detection_id":3,"slot":"scout","confidence":0.9,"reported_at":"2026-08-29T00:00:00Z","approved":true,"mission_id":7},
			"mission":{"mission_id":7,"slot":"delivery","items":[],"status":"acknowledged","created_at":"2026-08-29T00:00:00Z"}}`)
	})
	r, out, _, done := newTestRunner(mux)
	defer done()

	if code := r.Run(context.Background(), []string{"approve", "3"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if got := out.String(); !strings.Contains(got, "mission 7 acknowledged on delivery") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestErrorEnvelopeReachesStderr(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/detections/9/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z",
			"error":{"code":"E_ALREADY_APPROVED","message":"detection 9 already approved"}}`)
	})
	r, _, errOut, done := newTestRunner(mux)
	defer done()

	if code := r.Run(context.Background(), []string{"approve", "9"}); code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if got := errOut.String(); !strings.Contains(got, "E_ALREADY_APPROVED") {
		t.Fatalf("unexpected stderr %q", got)
	}
}

func TestReportDetectionPostsBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/detections", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req["slot"] != "scout" || req["lat"] != 28.5 || req["confidence"] != 0.8 {
			t.Fatalf("unexpected body %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-08-29T00:00:00Z",
			"detection":{"detection_id":5,"slot":"scout","lat":28.5,"lon":77.4,"confidence":0.8,"reported_at":"2026-08-29T00:00:00Z","approved":false}}`)
	})
	r, out, _, done := newTestRunner(mux)
	defer done()

	code := r.Run(context.Background(), []string{"detections", "report", "-slot", "scout", "-lat", "28.5", "-lon", "77.4", "-confidence", "0.8"})
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if got := out.String(); !strings.Contains(got, "detection 5 recorded") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestParseGlobalArgs(t *testing.T) {
	cases := []struct {
		args     []string
		wantAddr string
		wantRest []string
	}{
		{[]string{"vehicles"}, "", []string{"vehicles"}},
		{[]string{"--addr", "http://x:1", "health"}, "http://x:1", []string{"health"}},
		{[]string{"--addr=http://x:1", "missions", "-json"}, "http://x:1", []string{"missions", "-json"}},
	}
	for _, tc := range cases {
		addr, rest, err := parseGlobalArgs(tc.args)
		if err != nil {
			t.Fatalf("parse %v: %v", tc.args, err)
		}
		if addr != tc.wantAddr || len(rest) != len(tc.wantRest) {
			t.Fatalf("parse %v: got %q %v", tc.args, addr, rest)
		}
	}

	if _, _, err := parseGlobalArgs([]string{"--addr"}); err == nil {
		t.Fatal("expected error for dangling --addr")
	}
}

func TestUnknownCommand(t *testing.T) {
	r, _, errOut, done := newTestRunner(http.NewServeMux())
	defer done()
	if code := r.Run(context.Background(), []string{"bogus"}); code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}
