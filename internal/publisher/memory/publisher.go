// Package memory records completion events in process for dry runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Event is one published payload, stored in its JSON wire form.
type Event struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the event body into a field map.
func (e Event) Decode() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	return out, nil
}

// Publisher keeps published events and can be told to fail.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
	err    error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later Publish calls return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.events)+1)
	p.events = append(p.events, Event{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Events returns the events recorded for topic, or all events when topic is empty.
func (p *Publisher) Events(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, 0, len(p.events))
	for _, ev := range p.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
