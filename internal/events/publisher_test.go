package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangePersisted_JSON(t *testing.T) {
	ev := ExchangePersisted{
		OwnerID:       "u1",
		Kind:          "chat",
		SessionID:     "s1",
		Outcome:       "stopped",
		QuestionChars: 18,
		AnswerChars:   27,
		PersistedAt:   time.Date(2025, 5, 8, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "s1", decoded["session_id"])
	assert.Equal(t, "stopped", decoded["outcome"])
	assert.Equal(t, float64(27), decoded["answer_chars"])
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(SubjectExchangePersisted, ExchangePersisted{}))
	p.Close()
}
