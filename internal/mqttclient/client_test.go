package mqttclient

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/diarize-engine/internal/jobs"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeConn records publishes; other mqtt.Client methods are not used.
type fakeConn struct {
	mqtt.Client
	mu   sync.Mutex
	msgs []published
}

func (f *fakeConn) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.msgs = append(f.msgs, published{topic, qos, retained, b})
	return doneToken{}
}

func TestJobChanged(t *testing.T) {
	conn := &fakeConn{}
	c := &Client{conn: conn, prefix: normalizePrefix("/diarize/"), log: zerolog.Nop()}

	c.JobChanged(jobs.Job{
		ID:     "1700000000_call.wav",
		Status: jobs.StatusCompleted,
		Info:   "Completed",
		Result: []jobs.Segment{{Start: 0, End: 1, Speaker: "A", Text: "hi"}},
	})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(conn.msgs))
	}
	m := conn.msgs[0]
	if m.topic != "diarize/jobs/1700000000_call.wav" {
		t.Errorf("topic = %q", m.topic)
	}
	if m.qos != 1 || !m.retained {
		t.Errorf("qos=%d retained=%v, want 1 true", m.qos, m.retained)
	}
	var msg jobMessage
	if err := json.Unmarshal(m.payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Status != "completed" || msg.Segments != 1 || msg.Result[0].Text != "hi" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestJobTopicSanitized(t *testing.T) {
	c := &Client{prefix: normalizePrefix("")}
	tests := []struct{ id, want string }{
		{"1_a.wav", "diarize/jobs/1_a.wav"},
		{"1_a+b#c.wav", "diarize/jobs/1_a_b_c.wav"},
	}
	for _, tt := range tests {
		if got := c.JobTopic(tt.id); got != tt.want {
			t.Errorf("JobTopic(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
