package license

import (
	"time"
)

// EventType names a change the presentation layer may want to react to.
type EventType string

const (
	EventActivationRequired EventType = "activation_required"
	EventBrowserURL         EventType = "browser_url"
	EventActivationComplete EventType = "activation_complete"
	EventActivationFailed   EventType = "activation_failed"
	EventLicenseReset       EventType = "license_reset"
	EventProceed            EventType = "proceed"
)

// Event is published on every gate and activation transition.
type Event struct {
	Type       EventType `json:"type"`
	BrowserURL string    `json:"browser_url,omitempty"`
	License    *License  `json:"license,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// EventSink receives gate events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

type discardSink struct{}

func (discardSink) Publish(Event) {}

func errorEvent(t EventType, err error, now time.Time) Event {
	e := Event{Type: t, Time: now}
	if err != nil {
		e.Kind = KindOf(err).String()
		e.Message = err.Error()
	}
	return e
}
