package align

import (
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ScanHandler is called for every scan received on a sensor topic. scan is
// nil and err is set when the payload could not be decoded.
type ScanHandler func(sensorID string, scan *PointCloud, err error)

// MQTTClient manages the MQTT connection and sensor topic subscriptions
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	scanHandler ScanHandler
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// The broker comes from MQTT_BROKER or the config; when neither is set MQTT
// is disabled and InitMQTT returns nil, nil.
func InitMQTT(config *Config, handler ScanHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		Logf("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sensors) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sensor configuration provided")
	}

	client := newMQTTClient(nil, config, handler)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "scanalign"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	// Scans of one sensor must reach the tracker in order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

func newMQTTClient(client mqtt.Client, config *Config, handler ScanHandler) *MQTTClient {
	return &MQTTClient{
		client:      client,
		config:      config,
		scanHandler: handler,
		done:        make(chan struct{}),
	}
}

// connectWithRetry attempts to connect to the MQTT broker with exponential
// backoff until it succeeds or Disconnect is called.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		Logf("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			Logf("MQTT connection failed: %v", token.Error())
		} else {
			Logf("MQTT connection timeout")
		}

		Logf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-c.done:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every configured sensor topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	Logf("MQTT connected, subscribing to sensor topics...")
	c.setConnected(true)

	for _, sensor := range c.config.Sensors {
		if sensor.Topic == "" {
			Logf("Warning: sensor %s has no topic configured", sensor.ID)
			continue
		}

		Logf("Subscribing to %s for sensor %s", sensor.Topic, sensor.ID)
		token := client.Subscribe(sensor.Topic, 0, c.handleMessage)

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			Logf("Error subscribing to %s: %v", sensor.Topic, token.Error())
		} else {
			Logf("Successfully subscribed to %s", sensor.Topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	Logf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	Logf("MQTT reconnecting...")
}

// handleMessage decodes a scan and hands it over under the sensor ID
// configured for its topic. Scans on unconfigured topics are dropped.
func (c *MQTTClient) handleMessage(client mqtt.Client, msg mqtt.Message) {
	sensorID, ok := c.GetSensorByTopic(msg.Topic())
	if !ok {
		Logf("Ignoring scan on unconfigured topic %s", msg.Topic())
		return
	}

	payload := msg.Payload()
	Logf("Received scan for %s (topic: %s, size: %d bytes)",
		sensorID, msg.Topic(), len(payload))

	scan, err := DecodeScan(payload)
	if err != nil {
		Logf("Error decoding scan for %s: %v", sensorID, err)
	} else if scan.Name == "" {
		scan.Name = sensorID
	}
	if c.scanHandler != nil {
		c.scanHandler(sensorID, scan, err)
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops connection retries and closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
	if c.client != nil && c.client.IsConnected() {
		Logf("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetSensorByTopic returns the sensor ID for a given topic
func (c *MQTTClient) GetSensorByTopic(topic string) (string, bool) {
	for _, sensor := range c.config.Sensors {
		if sensor.Topic == topic {
			return sensor.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
