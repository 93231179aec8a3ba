package liveevents

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	org := snowflake.ID(7)

	hub.Publish(org, LiveEvent{MetricID: "dropped"})

	sub, backlog, err := hub.Subscribe(org)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)

	hub.Publish(org, LiveEvent{MetricID: "api_calls", Quantity: 2, Status: StatusAccepted})
	hub.Publish(snowflake.ID(8), LiveEvent{MetricID: "other_org"})

	got := <-sub.Events()
	assert.Equal(t, "api_calls", got.MetricID)
	assert.Len(t, sub.Events(), 0)

	second, backlog, err := hub.Subscribe(org)
	require.NoError(t, err)
	defer second.Close()
	require.Len(t, backlog, 1)
	assert.Equal(t, 2.0, backlog[0].Quantity)
}

func TestHubDropsStreamOnLastClose(t *testing.T) {
	hub := NewHub()
	org := snowflake.ID(9)
	sub, _, err := hub.Subscribe(org)
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	hub.mu.RLock()
	_, ok := hub.streams[org]
	hub.mu.RUnlock()
	assert.False(t, ok)
}

func TestHubRejectsInvalidInput(t *testing.T) {
	var nilHub *Hub
	_, _, err := nilHub.Subscribe(1)
	assert.ErrorIs(t, err, ErrHubUnavailable)

	_, _, err = NewHub().Subscribe(0)
	assert.ErrorIs(t, err, ErrInvalidOrganization)
}
