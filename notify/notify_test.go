package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const alice = id.UserID("@alice:example.com")

func received(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func nothingReceived(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

func TestLocalBus(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()

	updates, cancel := bus.Subscribe("@Alice:example.com")
	other, cancelOther := bus.Subscribe("@bob:example.com")
	defer cancelOther()

	bus.EmitSystemUpdate(ctx, alice)
	assert.True(t, received(updates))
	assert.True(t, nothingReceived(other))

	// Bursts coalesce and never block the emitter.
	bus.EmitSystemUpdate(ctx, alice)
	bus.EmitSystemUpdate(ctx, alice)
	assert.True(t, received(updates))
	assert.True(t, nothingReceived(updates))

	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers(alice))
	bus.EmitSystemUpdate(ctx, alice)
	assert.True(t, nothingReceived(updates))
}

func runNATSServer(t *testing.T) string {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestNATSBus(t *testing.T) {
	url := runNATSServer(t)
	const subject = "pluralbridge.test"

	first, err := Connect(url, subject)
	require.NoError(t, err)
	defer first.Close()
	second, err := Connect(url, subject)
	require.NoError(t, err)
	defer second.Close()

	raw, err := nats.Connect(url)
	require.NoError(t, err)
	defer raw.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = raw.ChanSubscribe(subject, msgs)
	require.NoError(t, err)
	require.NoError(t, raw.Flush())

	updates, cancel := second.Subscribe(alice)
	defer cancel()

	first.EmitSystemUpdate(context.Background(), alice)
	assert.True(t, received(updates), "update should reach the other instance")

	select {
	case msg := <-msgs:
		var body map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		assert.Equal(t, string(alice), body["account"])
		assert.Equal(t, string(alice), msg.Header.Get(AccountHeader))
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestNATSBusIgnoresMalformedMessages(t *testing.T) {
	url := runNATSServer(t)
	const subject = "pluralbridge.test"

	bus, err := Connect(url, subject)
	require.NoError(t, err)
	defer bus.Close()
	updates, cancel := bus.Subscribe(alice)
	defer cancel()

	raw, err := nats.Connect(url)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.Publish(subject, []byte("not json")))
	require.NoError(t, raw.Flush())

	assert.True(t, nothingReceived(updates))
}
