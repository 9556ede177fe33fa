package align

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
)

// Quaternion is a unit quaternion in w, x, y, z order.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func quaternionOf(p Pose) Quaternion {
	q := p.Quaternion()
	return Quaternion{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag}
}

// AlignmentMessage is the payload published for every alignment result.
type AlignmentMessage struct {
	SensorID          string            `json:"sensorId"`
	RunID             string            `json:"runId"`
	TerminationReason TerminationReason `json:"terminationReason"`
	Iterations        int               `json:"iterations"`
	Goodness          float64           `json:"goodness"`
	Pairings          int               `json:"pairings"`
	Translation       r3.Vector         `json:"translation"`
	Rotation          Quaternion        `json:"rotation"`
	Scale             float64           `json:"scale"`
	Covariance        Covariance        `json:"covariance"`
	Timestamp         int64             `json:"timestamp"`
}

// PoseMessage is the accumulated pose of one sensor.
type PoseMessage struct {
	SensorID    string     `json:"sensorId"`
	Translation r3.Vector  `json:"translation"`
	Rotation    Quaternion `json:"rotation"`
	Yaw         float64    `json:"yaw"` // radians
	Scans       int        `json:"scans"`
	Timestamp   int64      `json:"timestamp"`
}

// Publisher publishes alignment results and accumulated poses to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	poses         map[string]*PoseMessage
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix, and
// "scanalign" is used when both are empty. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "scanalign"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // Retain for latest pose
		poses:         make(map[string]*PoseMessage),
	}
}

// Prefix returns the topic prefix in use
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishAlignment publishes one result to {prefix}/{sensor}/alignment
func (p *Publisher) PublishAlignment(sensorID string, res *Results) error {
	if res == nil {
		return fmt.Errorf("nil result for %s", sensorID)
	}
	msg := AlignmentMessage{
		SensorID:          sensorID,
		RunID:             res.RunID,
		TerminationReason: res.TerminationReason,
		Iterations:        res.Iterations,
		Goodness:          res.Goodness,
		Pairings:          len(res.Pairings),
		Translation:       res.Pose.Mean.T,
		Rotation:          quaternionOf(res.Pose.Mean),
		Scale:             res.Scale,
		Covariance:        res.Pose.Cov,
		Timestamp:         time.Now().Unix(),
	}
	return p.publish(fmt.Sprintf("%s/%s/alignment", p.publishPrefix, sensorID), msg)
}

// PublishPose publishes a sensor's accumulated pose to {prefix}/{sensor}/pose
// and the set of all known poses to {prefix}/poses
func (p *Publisher) PublishPose(track SensorTrack) error {
	yaw, _, _ := track.Pose.YPR()
	msg := &PoseMessage{
		SensorID:    track.SensorID,
		Translation: track.Pose.T,
		Rotation:    quaternionOf(track.Pose),
		Yaw:         yaw,
		Scans:       track.Scans,
		Timestamp:   time.Now().Unix(),
	}

	p.mu.Lock()
	p.poses[track.SensorID] = msg
	p.mu.Unlock()

	if err := p.publish(fmt.Sprintf("%s/%s/pose", p.publishPrefix, track.SensorID), msg); err != nil {
		Logf("Error publishing pose for %s: %v", track.SensorID, err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		Logf("Error publishing combined poses: %v", err)
		return err
	}
	Logf("Published pose for %s: (%.3f, %.3f, %.3f) yaw=%.1f°",
		track.SensorID, msg.Translation.X, msg.Translation.Y, msg.Translation.Z, yaw*180/math.Pi)
	return nil
}

func (p *Publisher) publishCombined() error {
	poses := p.GetAllPoses()
	if len(poses) == 0 {
		return nil
	}
	ids := make([]string, 0, len(poses))
	for id := range poses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]*PoseMessage, 0, len(ids))
	for _, id := range ids {
		list = append(list, poses[id])
	}

	message := map[string]interface{}{
		"sensors":   list,
		"timestamp": time.Now().Unix(),
	}
	return p.publish(fmt.Sprintf("%s/poses", p.publishPrefix), message)
}

func (p *Publisher) publish(topic string, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}

	p.mu.RLock()
	qos, retain := p.qos, p.retain
	p.mu.RUnlock()

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetPose returns the last published pose for a sensor
func (p *Publisher) GetPose(sensorID string) (*PoseMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pose, ok := p.poses[sensorID]
	if !ok {
		return nil, false
	}
	c := *pose
	return &c, true
}

// GetAllPoses returns a copy of all known poses
func (p *Publisher) GetAllPoses() map[string]*PoseMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	poses := make(map[string]*PoseMessage, len(p.poses))
	for id, pose := range p.poses {
		c := *pose
		poses[id] = &c
	}
	return poses
}

// ClearPose removes a sensor's pose
func (p *Publisher) ClearPose(sensorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.poses, sensorID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.mu.Lock()
		p.qos = qos
		p.mu.Unlock()
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.mu.Lock()
	p.retain = retain
	p.mu.Unlock()
}
