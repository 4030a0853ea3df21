package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gyrex/internal/state"
)

func TestNewEventMessage(t *testing.T) {
	payload := []byte("payload")

	start := time.Now()
	msg := NewEventMessage("myid", "mytype", payload)
	end := time.Now()

	assert.Equal(t, "myid", msg.ID)
	assert.Equal(t, "mytype", msg.Type)
	assert.Equal(t, []byte("payload"), msg.Payload)
	assert.False(t, msg.Created.Before(start))
	assert.False(t, msg.Created.After(end))

	payload[0] = 'X'
	assert.Equal(t, []byte("payload"), msg.Payload)
}

func TestEventMessage_JSON(t *testing.T) {
	msg := NewEventMessage("myid", "mytype", []byte{0, 1, 2})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded EventMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, "mytype", decoded.Type)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.True(t, msg.Created.Equal(decoded.Created))
}

func TestNewNodeInfo(t *testing.T) {
	info, err := NewNodeInfo("node-1", "rack 4", false)
	require.NoError(t, err)
	assert.Equal(t, "node-1@rack 4", info.String())

	_, err = NewNodeInfo("bad/id", "", false)
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	_, err = NewNodeInfo("", "", false)
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

func TestParseNodeInfo(t *testing.T) {
	info, err := NewNodeInfo("node-1", "dc1", false)
	require.NoError(t, err)
	data, err := info.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "approved")

	parsed, err := ParseNodeInfo("node-1", data, true)
	require.NoError(t, err)
	assert.Equal(t, NodeInfo{ID: "node-1", Location: "dc1", Approved: true}, parsed)

	parsed, err = ParseNodeInfo("node-2", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "node-2", parsed.ID)

	_, err = ParseNodeInfo("node-3", data, true)
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	_, err = ParseNodeInfo("node-1", []byte("{"), true)
	assert.Error(t, err)
}

func TestJob_Clone(t *testing.T) {
	job := &Job{ID: "a", State: state.StateQueued, Parameter: map[string]string{"k": "v"}}
	c := job.Clone()
	c.Parameter["k"] = "changed"

	assert.Equal(t, "v", job.Parameter["k"])
	assert.Nil(t, (*Job)(nil).Clone())
}
