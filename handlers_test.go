package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/kwv/scanalign/align"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func pointScan(offset float64) *align.PointCloud {
	pc := align.NewPointCloud("")
	for _, p := range gridPoints(offset) {
		pc.AddPoints("raw", r3.Vector{X: p[0], Y: p[1], Z: p[2]})
	}
	return pc
}

// populatedTracker returns a tracker where "lidar" has one alignment and
// "depth" has only a reference scan.
func populatedTracker(t *testing.T) *align.OdometryTracker {
	t.Helper()
	icp := align.NewICP(&align.HornSolver{}, &align.PointsDistanceMatcher{Layer: "raw", Threshold: 0.5})
	tracker := align.NewOdometryTracker(icp, align.DefaultParameters())

	if _, err := tracker.Track("lidar", pointScan(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Track("lidar", pointScan(-0.1)); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Track("depth", pointScan(0)); err != nil {
		t.Fatal(err)
	}
	return tracker
}

func emptyTracker() *align.OdometryTracker {
	icp := align.NewICP(&align.HornSolver{}, &align.PointsDistanceMatcher{Layer: "raw", Threshold: 0.5})
	return align.NewOdometryTracker(icp, align.DefaultParameters())
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	h := newHTTPServer(populatedTracker(t), []string{"points_distance_threshold"})
	rec := get(t, h, "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Status   string   `json:"status"`
		Sensors  int      `json:"sensors"`
		Matchers []string `json:"matchers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Sensors != 2 {
		t.Errorf("sensors = %d, want 2", body.Sensors)
	}
	if len(body.Matchers) != 1 {
		t.Errorf("matchers = %v, want one entry", body.Matchers)
	}
}

// ---------------------------------------------------------------------------
// /alignments
// ---------------------------------------------------------------------------

func TestAlignmentsEndpoint(t *testing.T) {
	h := newHTTPServer(populatedTracker(t), nil)
	rec := get(t, h, "/alignments")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []alignmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d alignments, want 1 (reference-only sensors are skipped)", len(views))
	}
	v := views[0]
	if v.SensorID != "lidar" {
		t.Errorf("SensorID = %s, want lidar", v.SensorID)
	}
	if v.TerminationReason != align.Stalled {
		t.Errorf("TerminationReason = %s, want Stalled", v.TerminationReason)
	}
	if v.Pairings != 16 {
		t.Errorf("Pairings = %d, want 16", v.Pairings)
	}
}

func TestAlignmentsEndpoint_SingleSensor(t *testing.T) {
	h := newHTTPServer(populatedTracker(t), nil)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"known sensor", "/alignments?sensor=lidar", http.StatusOK},
		{"reference only", "/alignments?sensor=depth", http.StatusNotFound},
		{"unknown sensor", "/alignments?sensor=radar", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(t, h, tt.target); rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
			}
		})
	}
}

func TestAlignmentsEndpoint_Empty(t *testing.T) {
	rec := get(t, newHTTPServer(emptyTracker(), nil), "/alignments")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty list", body)
	}
}

// ---------------------------------------------------------------------------
// /poses
// ---------------------------------------------------------------------------

func TestPosesEndpoint(t *testing.T) {
	rec := get(t, newHTTPServer(populatedTracker(t), nil), "/poses")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []poseView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d poses, want 2", len(views))
	}
	if views[0].SensorID != "depth" || views[1].SensorID != "lidar" {
		t.Errorf("poses not sorted by sensor: %s, %s", views[0].SensorID, views[1].SensorID)
	}
	// lidar moved forward by 0.1 between its two scans
	if d := views[1].Translation.X - 0.1; d > 1e-6 || d < -1e-6 {
		t.Errorf("lidar x = %f, want 0.1", views[1].Translation.X)
	}
	if views[1].Scans != 2 {
		t.Errorf("lidar scans = %d, want 2", views[1].Scans)
	}
}

func TestEndpoints_MethodNotAllowed(t *testing.T) {
	h := newHTTPServer(emptyTracker(), nil)
	for _, path := range []string{"/alignments", "/poses"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, rec.Code)
		}
	}
}
