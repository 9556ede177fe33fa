package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/scanalign/align"
)

// alignmentView is the latest alignment of one sensor, without pairings
type alignmentView struct {
	SensorID          string                   `json:"sensorId"`
	RunID             string                   `json:"runId"`
	TerminationReason align.TerminationReason  `json:"terminationReason"`
	Iterations        int                      `json:"iterations"`
	Goodness          float64                  `json:"goodness"`
	Pairings          int                      `json:"pairings"`
	Pose              align.PoseWithCovariance `json:"pose"`
	Scale             float64                  `json:"scale"`
}

// poseView is the accumulated pose of one sensor
type poseView struct {
	SensorID    string    `json:"sensorId"`
	Translation r3.Vector `json:"translation"`
	Yaw         float64   `json:"yaw"`
	Pitch       float64   `json:"pitch"`
	Roll        float64   `json:"roll"`
	Scans       int       `json:"scans"`
	Failures    int       `json:"failures"`
	Updated     time.Time `json:"updated"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *align.OdometryTracker, matchers []string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Sensors   int       `json:"sensors"`
			Matchers  []string  `json:"matchers"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Sensors:   len(tracker.Tracks()),
			Matchers:  matchers,
		}
		writeJSON(w, status)
	})

	// Latest alignment per sensor, or one sensor with ?sensor=ID
	mux.HandleFunc("/alignments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if id := r.URL.Query().Get("sensor"); id != "" {
			track, ok := tracker.GetTrack(id)
			if !ok || track.Last == nil {
				http.Error(w, "No alignment for sensor "+id, http.StatusNotFound)
				return
			}
			writeJSON(w, newAlignmentView(track))
			return
		}

		views := []alignmentView{}
		for _, track := range sortedTracks(tracker) {
			if track.Last != nil {
				views = append(views, newAlignmentView(track))
			}
		}
		writeJSON(w, views)
	})

	// Accumulated pose per sensor
	mux.HandleFunc("/poses", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		views := []poseView{}
		for _, track := range sortedTracks(tracker) {
			yaw, pitch, roll := track.Pose.YPR()
			views = append(views, poseView{
				SensorID:    track.SensorID,
				Translation: track.Pose.T,
				Yaw:         yaw,
				Pitch:       pitch,
				Roll:        roll,
				Scans:       track.Scans,
				Failures:    track.Failures,
				Updated:     track.Updated,
			})
		}
		writeJSON(w, views)
	})

	return mux
}

func newAlignmentView(track align.SensorTrack) alignmentView {
	res := track.Last
	return alignmentView{
		SensorID:          track.SensorID,
		RunID:             res.RunID,
		TerminationReason: res.TerminationReason,
		Iterations:        res.Iterations,
		Goodness:          res.Goodness,
		Pairings:          len(res.Pairings),
		Pose:              res.Pose,
		Scale:             res.Scale,
	}
}

func sortedTracks(tracker *align.OdometryTracker) []align.SensorTrack {
	tracks := tracker.Tracks()
	out := make([]align.SensorTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
