package align

import (
	"fmt"
	"sync"
	"time"
)

// SensorTrack is the accumulated odometry of one sensor.
type SensorTrack struct {
	SensorID string    `json:"sensorId"`
	Pose     Pose      `json:"pose"` // pose of the latest scan in the sensor's start frame
	Scans    int       `json:"scans"`
	Failures int       `json:"failures"`
	Last     *Results  `json:"last,omitempty"`
	Updated  time.Time `json:"updated"`
}

type sensorState struct {
	mu        sync.Mutex // serialises Track calls for one sensor
	reference *PointCloud
	velocity  Pose // last relative motion, used as the next initial guess
	track     SensorTrack
}

// OdometryTracker registers each sensor's scans against the previous one and
// chains the results into an accumulated pose. Different sensors are tracked
// concurrently; scans of one sensor are processed in arrival order.
type OdometryTracker struct {
	icp    *ICP
	params Parameters

	mu      sync.RWMutex
	sensors map[string]*sensorState
	tracks  map[string]SensorTrack
}

// NewOdometryTracker creates a tracker that aligns with icp using params.
func NewOdometryTracker(icp *ICP, params Parameters) *OdometryTracker {
	return &OdometryTracker{
		icp:     icp,
		params:  params,
		sensors: make(map[string]*sensorState),
		tracks:  make(map[string]SensorTrack),
	}
}

// Register sets the starting pose of a sensor. It must be called before the
// sensor's first scan to have any effect; unregistered sensors start at the
// identity.
func (t *OdometryTracker) Register(sensorID string, start Pose) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sensors[sensorID]; ok {
		return fmt.Errorf("sensor %s already registered", sensorID)
	}
	t.sensors[sensorID] = newSensorState(sensorID, start)
	t.tracks[sensorID] = t.sensors[sensorID].track
	return nil
}

func newSensorState(sensorID string, start Pose) *sensorState {
	return &sensorState{
		velocity: Identity(),
		track:    SensorTrack{SensorID: sensorID, Pose: start},
	}
}

func (t *OdometryTracker) sensor(sensorID string) *sensorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sensors[sensorID]
	if !ok {
		s = newSensorState(sensorID, Identity())
		t.sensors[sensorID] = s
	}
	return s
}

// Track aligns scan against the sensor's previous scan and advances its pose.
// The first scan of a sensor only becomes the reference and returns a nil
// result. When alignment fails the scan still becomes the new reference but
// the accumulated pose is left unchanged.
func (t *OdometryTracker) Track(sensorID string, scan *PointCloud) (*Results, error) {
	s := t.sensor(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		s.track.Updated = time.Now()
		t.mu.Lock()
		// A Reset during alignment has dropped this state.
		if t.sensors[sensorID] == s {
			t.tracks[sensorID] = s.track
		}
		t.mu.Unlock()
	}()

	if s.reference == nil {
		s.reference = scan
		s.track.Scans = 1
		return nil, nil
	}

	res, err := t.icp.Align(s.reference, scan, s.velocity, t.params)
	s.reference = scan
	s.track.Scans++
	if res != nil {
		s.track.Last = res
	}
	if err != nil || !res.Succeeded() {
		s.track.Failures++
		s.velocity = Identity()
		if err == nil {
			err = fmt.Errorf("sensor %s: alignment ended with %s", sensorID, res.TerminationReason)
		}
		Logf("Odometry for %s not updated: %v", sensorID, err)
		return res, err
	}

	// The result maps the previous scan onto the new one.
	s.velocity = res.Pose.Mean
	s.track.Pose = s.track.Pose.Compose(res.Pose.Mean.Inverse())
	return res, nil
}

// GetTrack returns the current track of a sensor.
func (t *OdometryTracker) GetTrack(sensorID string) (SensorTrack, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.tracks[sensorID]
	return tr, ok
}

// Tracks returns a snapshot of every sensor's track.
func (t *OdometryTracker) Tracks() map[string]SensorTrack {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]SensorTrack, len(t.tracks))
	for k, v := range t.tracks {
		out[k] = v
	}
	return out
}

// Reset forgets a sensor's reference scan and pose.
func (t *OdometryTracker) Reset(sensorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sensors, sensorID)
	delete(t.tracks, sensorID)
}
