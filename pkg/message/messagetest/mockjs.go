// Package messagetest provides an in-memory JetStream double for tests.
package messagetest

import (
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// MockJS is an in-memory message.JSContext. Published messages are kept per
// subject and handed out by Fetch in publish order. Messages it returns are not
// bound to a server, so acking them returns an error.
type MockJS struct {
	mu        sync.Mutex
	messages  []*nats.Msg
	published map[string][][]byte
	streams   map[string]*nats.StreamInfo
	consumers map[string]map[string]*nats.ConsumerInfo

	// PublishErrs are returned, one per call, by the next Publish calls
	PublishErrs []error
	// PullErr is returned by PullSubscribe when set
	PullErr error
	// FetchSubject limits Fetch to one subject when set
	FetchSubject string
}

var _ message.JSContext = (*MockJS)(nil)

// NewMockJS creates an empty mock.
func NewMockJS() *MockJS {
	return &MockJS{
		published: make(map[string][][]byte),
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

// Publish records data. Publish options are ignored.
func (m *MockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.PublishErrs) > 0 {
		err := m.PublishErrs[0]
		m.PublishErrs = m.PublishErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	m.published[subj] = append(m.published[subj], data)
	m.messages = append(m.messages, &nats.Msg{Subject: subj, Data: data})
	return &nats.PubAck{Stream: "MOCK", Sequence: uint64(len(m.messages))}, nil
}

// Published returns the payloads published on subj.
func (m *MockJS) Published(subj string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.published[subj]))
	copy(out, m.published[subj])
	return out
}

// PullSubscribe returns a subscription over every pending message.
func (m *MockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (message.JSSubscription, error) {
	if m.PullErr != nil {
		return nil, m.PullErr
	}
	return &pullSubscription{owner: m}, nil
}

func (m *MockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.streams[stream]; ok {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *MockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *MockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.consumers[stream][consumer]; ok {
		return info, nil
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *MockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

// Stream returns the stream created under name, or nil.
func (m *MockJS) Stream(name string) *nats.StreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[name]
}

// Consumer returns the consumer created under stream and name, or nil.
func (m *MockJS) Consumer(stream, name string) *nats.ConsumerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumers[stream][name]
}

type pullSubscription struct {
	owner *MockJS
}

func (s *pullSubscription) Unsubscribe() error { return nil }

// Fetch pops up to batch messages, or returns nats.ErrTimeout when none are pending.
func (s *pullSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	var msgs, rest []*nats.Msg
	for _, msg := range s.owner.messages {
		if len(msgs) < batch && (s.owner.FetchSubject == "" || msg.Subject == s.owner.FetchSubject) {
			msgs = append(msgs, msg)
			continue
		}
		rest = append(rest, msg)
	}
	if len(msgs) == 0 {
		return nil, nats.ErrTimeout
	}
	s.owner.messages = rest
	return msgs, nil
}
