package mqttclient

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/jobs"
)

// Client publishes job state changes to an MQTT broker. Each job's latest
// snapshot is retained on {prefix}/jobs/{id}; service liveness is retained on
// {prefix}/status with a last-will of "offline".
type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// jobMessage is the payload published for each change.
type jobMessage struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Info      string         `json:"info"`
	Error     string         `json:"error,omitempty"`
	Segments  int            `json:"segments,omitempty"`
	Result    []jobs.Segment `json:"result,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: normalizePrefix(opts.TopicPrefix),
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(c.statusTopic(), "offline", 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
	client.Publish(c.statusTopic(), 1, true, "online")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// JobChanged publishes the job snapshot. It has the signature of
// jobs.ChangeFunc and never blocks on the broker; delivery failures are
// logged from the token callback.
func (c *Client) JobChanged(j jobs.Job) {
	payload, err := json.Marshal(newJobMessage(j))
	if err != nil {
		c.log.Error().Err(err).Str("job_id", j.ID).Msg("marshal job message")
		return
	}
	topic := c.JobTopic(j.ID)
	token := c.conn.Publish(topic, 1, true, payload)
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			c.log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

// JobTopic returns the topic a job's snapshots are published on.
func (c *Client) JobTopic(id string) string {
	return c.prefix + "/jobs/" + sanitizeTopicLevel(id)
}

func (c *Client) statusTopic() string {
	return c.prefix + "/status"
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.conn.IsConnected() {
		t := c.conn.Publish(c.statusTopic(), 1, true, "offline")
		t.WaitTimeout(time.Second)
	}
	c.conn.Disconnect(1000)
}

func newJobMessage(j jobs.Job) jobMessage {
	return jobMessage{
		ID:        j.ID,
		Status:    string(j.Status),
		Info:      j.Info,
		Error:     j.Error,
		Segments:  len(j.Result),
		Result:    j.Result,
		UpdatedAt: j.UpdatedAt,
	}
}

func normalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "diarize"
	}
	return p
}

// sanitizeTopicLevel keeps a job id inside one topic level. Wildcards and
// separators are not allowed in published topics.
func sanitizeTopicLevel(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}
