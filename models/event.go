// api/models/event.go
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the discriminator carried on the wire as "type".
type EventType string

const (
	EventTypePageView EventType = "pageview"
	EventTypeSession  EventType = "session"
)

// ErrInvalidEvent is returned for events whose shape is not acceptable.
var ErrInvalidEvent = errors.New("invalid analytics event")

// ValidationError describes which field of an event was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}

// AnalyticsEvent is implemented only by *PageView and *SessionUpdate.
type AnalyticsEvent interface {
	Kind() EventType
	ID() string
	Session() string
	OccurredAt() time.Time
	Validate() error

	sealed()
}

// PageView is produced once per navigation.
type PageView struct {
	EventID    string    `json:"eventId"`
	SessionID  string    `json:"sessionId"`
	VisitorID  string    `json:"visitorId"`
	PageURL    string    `json:"pageUrl"`
	PageTitle  string    `json:"pageTitle"`
	Referrer   string    `json:"referrer,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	Region     string    `json:"region,omitempty"`
	City       string    `json:"city,omitempty"`
	DeviceType string    `json:"deviceType,omitempty"`
	Browser    string    `json:"browser,omitempty"`
	OS         string    `json:"os,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (p *PageView) Kind() EventType       { return EventTypePageView }
func (p *PageView) ID() string            { return p.EventID }
func (p *PageView) Session() string       { return p.SessionID }
func (p *PageView) OccurredAt() time.Time { return p.Timestamp }
func (p *PageView) sealed()               {}

func (p *PageView) Validate() error {
	switch {
	case p.EventID == "":
		return &ValidationError{Field: "eventId", Message: "eventId is required"}
	case p.SessionID == "":
		return &ValidationError{Field: "sessionId", Message: "sessionId is required"}
	case p.VisitorID == "":
		return &ValidationError{Field: "visitorId", Message: "visitorId is required"}
	case p.PageURL == "":
		return &ValidationError{Field: "pageUrl", Message: "pageUrl is required"}
	case p.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}
	return nil
}

// SessionUpdate closes a session with its duration and bounce verdict.
type SessionUpdate struct {
	EventID         string    `json:"eventId"`
	SessionID       string    `json:"sessionId"`
	VisitorID       string    `json:"visitorId,omitempty"`
	PageCount       int       `json:"pageCount"`
	DurationSeconds int64     `json:"durationSeconds"`
	IsBounce        bool      `json:"isBounce"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *SessionUpdate) Kind() EventType       { return EventTypeSession }
func (s *SessionUpdate) ID() string            { return s.EventID }
func (s *SessionUpdate) Session() string       { return s.SessionID }
func (s *SessionUpdate) OccurredAt() time.Time { return s.Timestamp }
func (s *SessionUpdate) sealed()               {}

func (s *SessionUpdate) Validate() error {
	switch {
	case s.EventID == "":
		return &ValidationError{Field: "eventId", Message: "eventId is required"}
	case s.SessionID == "":
		return &ValidationError{Field: "sessionId", Message: "sessionId is required"}
	case s.DurationSeconds < 0:
		return &ValidationError{Field: "durationSeconds", Message: "must not be negative"}
	case s.PageCount < 0:
		return &ValidationError{Field: "pageCount", Message: "must not be negative"}
	case s.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}
	return nil
}

// Envelope is the collector wire format: {"type": "...", "data": {...}}.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Wrap builds the envelope for an event.
func Wrap(event AnalyticsEvent) (Envelope, error) {
	if event == nil {
		return Envelope{}, &ValidationError{Field: "data", Message: "event is nil"}
	}
	data, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s event: %w", event.Kind(), err)
	}
	return Envelope{Type: event.Kind(), Data: data}, nil
}

// Decode returns the validated variant named by the envelope type.
func (e Envelope) Decode() (AnalyticsEvent, error) {
	var event AnalyticsEvent
	switch e.Type {
	case EventTypePageView:
		event = &PageView{}
	case EventTypeSession:
		event = &SessionUpdate{}
	default:
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown event type %q", e.Type)}
	}

	if len(e.Data) == 0 {
		return nil, &ValidationError{Field: "data", Message: "data is required"}
	}
	if err := json.Unmarshal(e.Data, event); err != nil {
		return nil, &ValidationError{Field: "data", Message: err.Error()}
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

type TopPathResult struct {
	PagePath string `json:"pagePath"`
	Count    uint64 `json:"count"`
}

type CountByTime struct {
	Time  time.Time `json:"time"`
	Count uint64    `json:"count"`
}

type BounceRate struct {
	Sessions   uint64  `json:"sessions"`
	Bounces    uint64  `json:"bounces"`
	Rate       float64 `json:"rate"`
	AvgSeconds float64 `json:"avgDurationSeconds"`
}

type DeviceBreakdown struct {
	DeviceType string `json:"deviceType"`
	Count      uint64 `json:"count"`
}
