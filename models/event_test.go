package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Decode(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("page view", func(t *testing.T) {
		env, err := Wrap(&PageView{EventID: "e", SessionID: "s", VisitorID: "v", PageURL: "/", Timestamp: ts})
		require.NoError(t, err)
		assert.Equal(t, EventTypePageView, env.Type)

		event, err := env.Decode()
		require.NoError(t, err)
		pv, ok := event.(*PageView)
		require.True(t, ok)
		assert.Equal(t, "e", pv.ID())
		assert.True(t, pv.OccurredAt().Equal(ts))
	})

	t.Run("session update wire shape", func(t *testing.T) {
		env, err := Wrap(&SessionUpdate{EventID: "e", SessionID: "s", PageCount: 1, DurationSeconds: 12, IsBounce: true, Timestamp: ts})
		require.NoError(t, err)

		raw, err := json.Marshal(env)
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"session","data":{"eventId":"e","sessionId":"s","pageCount":1,"durationSeconds":12,"isBounce":true,"timestamp":"2024-05-01T08:00:00Z"}}`, string(raw))
	})

	tests := []struct {
		name      string
		env       Envelope
		wantField string
	}{
		{name: "unknown type", env: Envelope{Type: "click", Data: json.RawMessage(`{}`)}, wantField: "type"},
		{name: "missing data", env: Envelope{Type: EventTypePageView}, wantField: "data"},
		{name: "wrong data shape", env: Envelope{Type: EventTypePageView, Data: json.RawMessage(`[]`)}, wantField: "data"},
		{name: "missing session", env: Envelope{Type: EventTypeSession, Data: json.RawMessage(`{"eventId":"e","timestamp":"2024-05-01T08:00:00Z"}`)}, wantField: "sessionId"},
		{name: "missing timestamp", env: Envelope{Type: EventTypePageView, Data: json.RawMessage(`{"eventId":"e","sessionId":"s","visitorId":"v","pageUrl":"/"}`)}, wantField: "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.env.Decode()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidEvent))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}

	t.Run("nil event", func(t *testing.T) {
		_, err := Wrap(nil)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})
}
