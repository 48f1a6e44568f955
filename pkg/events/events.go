// Package events publishes plugin lifecycle events to the log and to peers
// over Redis pub/sub.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventPluginInstalled   EventType = "plugin.installed"
	EventPluginReplaced    EventType = "plugin.replaced"
	EventPluginUninstalled EventType = "plugin.uninstalled"
	EventPluginDisabled    EventType = "plugin.disabled"
)

// DefaultChannel is the Redis channel events are published on
const DefaultChannel = "plugd:events"

// Event represents a lifecycle change of one plugin
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Hook      string    `json:"hook,omitempty"`
	RecordID  string    `json:"recordId,omitempty"`
	Version   string    `json:"version,omitempty"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time
func NewEvent(typ EventType, key string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Key:       key,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher sends lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Recorder is notified of every publish attempt
type Recorder interface {
	EventPublished(eventType string, err error)
}

// LogPublisher writes events to a logrus logger
type LogPublisher struct {
	log *logrus.Logger
}

// NewLogPublisher creates a log publisher; nil logger uses logrus.New()
func NewLogPublisher(log *logrus.Logger) *LogPublisher {
	if log == nil {
		log = logrus.New()
	}
	return &LogPublisher{log: log}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.log.WithFields(logrus.Fields{
		"event":  event.Type,
		"plugin": event.Key,
		"hook":   event.Hook,
		"record": event.RecordID,
	}).Info("Plugin lifecycle event")
	return nil
}

// MultiPublisher fans an event out to several publishers
type MultiPublisher struct {
	publishers []Publisher
	rec        Recorder
}

// NewMultiPublisher creates a fan-out publisher. rec may be nil.
func NewMultiPublisher(rec Recorder, publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers, rec: rec}
}

// Publish sends event to every publisher and joins their errors
func (m *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if m.rec != nil {
		m.rec.EventPublished(string(event.Type), err)
	}
	return err
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
