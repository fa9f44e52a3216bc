//go:build integration

package events

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishExchange(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe(SubjectExchangePersisted, received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := NewNATSPublisher(url, "", zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(SubjectExchangePersisted, ExchangePersisted{SessionID: "s1", Kind: "chat"}))

	select {
	case msg := <-received:
		var ev ExchangePersisted
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
