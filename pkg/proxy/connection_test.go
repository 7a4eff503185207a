package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sessamekesh/realtime-relay/internal"
	"github.com/sessamekesh/realtime-relay/pkg/message/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startConnection(t *testing.T, ctx context.Context, params ConnectionParams) (*Connection, <-chan struct{}) {
	t.Helper()
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	c := CreateConnection(params)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return c, done
}

func TestQueuedMessagesPrecedeLiveMessages(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	const queued, live = 4, 3
	for i := 0; i < queued; i++ {
		down.deliver(t, fmt.Sprintf(`{"type":"input_audio_buffer.append","id":"q%d"}`, i))
	}

	up.connectResult <- nil
	for i := 0; i < live; i++ {
		down.deliver(t, fmt.Sprintf(`{"type":"input_audio_buffer.append","id":"l%d"}`, i))
	}

	var got []string
	for i := 0; i < queued+live; i++ {
		got = append(got, up.nextSentId(t))
	}
	assert.Equal(t, []string{"q0", "q1", "q2", "q3", "l0", "l1", "l2"}, got)

	close(down.messages)
	waitDone(t, done)
}

func TestUpstreamEventsForwardedInEmissionOrder(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	up.connectResult <- nil
	up.emit("a")
	up.emit("b")
	up.emit("c")

	assert.Equal(t, `{"type":"a"}`, down.nextSent(t))
	assert.Equal(t, `{"type":"b"}`, down.nextSent(t))
	assert.Equal(t, `{"type":"c"}`, down.nextSent(t))

	close(down.messages)
	waitDone(t, done)
}

func TestConnectFailureClosesDownstreamAndStopsForwarding(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	c, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	down.deliver(t, `{"type":"session.update"}`)
	up.connectResult <- errors.New("invalid api key")
	waitDone(t, done)

	assert.Equal(t, ConnectionState_Closed, c.State())
	assert.Equal(t, int32(1), down.closeCount.Load())
	assert.Equal(t, int32(1), up.disconnectCalls.Load())
	assert.Empty(t, up.sent)
	assert.Empty(t, down.sent)

	select {
	case down.messages <- []byte(`{"type":"late"}`):
		t.Fatal("closed connection still reading downstream messages")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedPayloadIsDroppedAndConnectionStaysOpen(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	up.connectResult <- nil
	down.deliver(t, `{"type": "response.create",`)
	down.deliver(t, `{"type":"response.create","id":"ok"}`)

	ev := up.nextSent(t)
	assert.Equal(t, "response.create", ev.Type)
	assert.Equal(t, "ok", gjson.GetBytes(ev.Payload, "id").String())
	assert.Empty(t, up.sent)

	select {
	case <-done:
		t.Fatal("malformed payload closed the connection")
	default:
	}
	assert.Equal(t, int32(0), down.closeCount.Load())

	close(down.messages)
	waitDone(t, done)
}

func TestDownstreamCloseDisconnectsUpstreamExactlyOnce(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	c, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	up.connectResult <- nil
	close(down.messages)
	waitDone(t, done)

	c.disconnectUpstream()
	c.disconnectUpstream()

	assert.Equal(t, int32(1), up.disconnectCalls.Load())
	assert.Equal(t, ConnectionState_Closed, c.State())
}

func TestConcurrentTeardownDisconnectsUpstreamOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		down, up := newStubDownstream(), newStubSession()
		_, done := startConnection(t, ctx, ConnectionParams{Downstream: down, Upstream: up})

		up.connectResult <- nil
		down.deliver(t, `{"type":"response.create","id":"live"}`)
		require.Equal(t, "live", up.nextSentId(t))

		start := make(chan struct{})
		go func() { <-start; cancel() }()
		go func() { <-start; close(down.messages) }()
		go func() { <-start; up.remoteClose() }()
		close(start)
		waitDone(t, done)

		assert.Equal(t, int32(1), up.disconnectCalls.Load())
		assert.LessOrEqual(t, down.closeCount.Load(), int32(1))
	}
}

func TestDownstreamCloseWhileConnectingCancelsConnect(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	down.deliver(t, `{"type":"session.update"}`)
	close(down.messages)
	waitDone(t, done)

	assert.Equal(t, int32(1), up.disconnectCalls.Load())
	assert.Empty(t, up.sent)
}

func TestUpstreamCloseClosesDownstream(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	c, done := startConnection(t, context.Background(), ConnectionParams{Downstream: down, Upstream: up})

	up.connectResult <- nil
	up.emit("session.created")
	assert.Equal(t, `{"type":"session.created"}`, down.nextSent(t))

	up.remoteClose()
	waitDone(t, done)

	assert.Equal(t, int32(1), down.closeCount.Load())
	assert.Equal(t, ConnectionState_Closed, c.State())
}

func TestConnectTimeoutClosesConnection(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	c, done := startConnection(t, context.Background(), ConnectionParams{
		Downstream:     down,
		Upstream:       up,
		ConnectTimeout: 20 * time.Millisecond,
	})

	waitDone(t, done)

	assert.Equal(t, ConnectionState_Closed, c.State())
	assert.Equal(t, int32(1), down.closeCount.Load())
}

func TestContextCancelClosesBothLegs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, ctx, ConnectionParams{Downstream: down, Upstream: up})

	up.connectResult <- nil
	cancel()
	waitDone(t, done)

	assert.Equal(t, int32(1), down.closeCount.Load())
	assert.Equal(t, int32(1), up.disconnectCalls.Load())
}

func TestSessionDefaultsSentBeforeQueuedMessages(t *testing.T) {
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{
		Downstream: down,
		Upstream:   up,
		SessionDefaults: map[string]any{
			"voice": "shimmer",
		},
	})

	down.deliver(t, `{"type":"response.create","id":"q0"}`)
	up.connectResult <- nil

	first := up.nextSent(t)
	assert.Equal(t, realtime.EventType_SessionUpdate, first.Type)
	assert.Equal(t, "shimmer", gjson.GetBytes(first.Payload, "session.voice").String())
	assert.Equal(t, "q0", up.nextSentId(t))

	close(down.messages)
	waitDone(t, done)
}

func TestDiagnosticEventsAreLoggedWithPayload(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{
		Downstream: down,
		Upstream:   up,
		Logger:     zap.New(core),
	})

	up.connectResult <- nil
	up.emit(realtime.EventType_ResponseAudioTranscriptDone)
	up.emit("response.audio.delta")
	down.nextSent(t)
	down.nextSent(t)

	close(down.messages)
	waitDone(t, done)

	relayed := logs.FilterMessage("Relaying event to client").All()
	require.Len(t, relayed, 2)
	assert.Equal(t, realtime.EventType_ResponseAudioTranscriptDone, relayed[0].ContextMap()["type"])
	assert.Equal(t, "response.audio.delta", relayed[1].ContextMap()["type"])

	diagnostic := logs.FilterMessage("Upstream diagnostic event").All()
	require.Len(t, diagnostic, 1)
	assert.Equal(t, `{"type":"response.audio_transcript.done"}`, diagnostic[0].ContextMap()["payload"])
}

func TestUpstreamErrorEventsAreLoggedAndForwarded(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{
		Downstream: down,
		Upstream:   up,
		Logger:     zap.New(core),
	})

	const raw = `{"type":"error","event_id":"evt_9","error":{"message":"bad"}}`
	up.connectResult <- nil
	up.emitRaw(realtime.EventType_Error, "evt_9", raw)
	assert.Equal(t, raw, down.nextSent(t))

	down.deliver(t, `{"type":"response.create","event_id":"evt_client"}`)
	up.nextSent(t)

	close(down.messages)
	waitDone(t, done)

	errorsLogged := logs.FilterMessage("Upstream error event").All()
	require.Len(t, errorsLogged, 1)
	assert.Equal(t, zapcore.WarnLevel, errorsLogged[0].Level)
	assert.Equal(t, "evt_9", errorsLogged[0].ContextMap()["eventId"])
	assert.Equal(t, raw, errorsLogged[0].ContextMap()["payload"])

	relayed := logs.FilterMessage("Relaying event to upstream").All()
	require.Len(t, relayed, 1)
	assert.Equal(t, "evt_client", relayed[0].ContextMap()["eventId"])
}

func TestMalformedPayloadIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{
		Downstream: down,
		Upstream:   up,
		Logger:     zap.New(core),
	})

	up.connectResult <- nil
	down.deliver(t, `{"type":"response.create","id":"live"}`)
	require.Equal(t, "live", up.nextSentId(t))

	down.deliver(t, `nope`)
	close(down.messages)
	waitDone(t, done)

	entries := logs.FilterMessage("Error parsing event from client").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "nope", entries[0].ContextMap()["payload"])
}

func TestConnectionMirrorsStateIntoStore(t *testing.T) {
	store := internal.CreateConnectionStore(0)
	require.NoError(t, store.CreateConnection(42, "", 0))

	down, up := newStubDownstream(), newStubSession()
	_, done := startConnection(t, context.Background(), ConnectionParams{
		Id:         42,
		Downstream: down,
		Upstream:   up,
		Store:      store,
	})

	require.Eventually(t, func() bool {
		state, _ := store.GetState(42)
		return state == ConnectionState_UpstreamConnecting
	}, testTimeout, time.Millisecond)

	up.connectResult <- nil
	require.Eventually(t, func() bool {
		state, _ := store.GetState(42)
		return state == ConnectionState_Active
	}, testTimeout, time.Millisecond)

	close(down.messages)
	waitDone(t, done)

	state, err := store.GetState(42)
	require.NoError(t, err)
	assert.Equal(t, ConnectionState_Closed, state)
}
