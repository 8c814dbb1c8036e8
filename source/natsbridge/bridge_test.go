package natsbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/natsclient"
	"github.com/Ilya-Muromets/Pani/testutil"
)

// fakeConn is an in-process bus: published messages are delivered to the
// handlers subscribed to the same subject.
type fakeConn struct {
	mu        sync.Mutex
	handlers  map[string]natsclient.MsgHandler
	subjects  map[*nats.Subscription]string
	published []*nats.Msg
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]natsclient.MsgHandler),
		subjects: make(map[*nats.Subscription]string),
	}
}

func (f *fakeConn) Subscribe(_ context.Context, subject string, handler natsclient.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &nats.Subscription{}
	f.handlers[subject] = handler
	f.subjects[sub] = subject
	return sub, nil
}

func (f *fakeConn) Unsubscribe(sub *nats.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, f.subjects[sub])
	delete(f.subjects, sub)
	return nil
}

func (f *fakeConn) PublishMsg(ctx context.Context, msg *nats.Msg) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	handler := f.handlers[msg.Subject]
	f.mu.Unlock()
	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

func (f *fakeConn) messages(subject string) []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nats.Msg
	for _, m := range f.published {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridge_SubmitPublishesRequest(t *testing.T) {
	conn := newFakeConn()
	b := NewBridge(conn, "cam", 8, quietLogger())
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	token := capture.RequestToken{ID: "abc", Seq: 3}
	require.NoError(t, b.Submit(ctx, token, capture.RequestSettings{Camera: "TELE", ISO: 800}))

	msgs := conn.messages("cam.requests")
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", msgs[0].Header.Get(HeaderRequestID))

	var req requestMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &req))
	assert.Equal(t, uint64(3), req.Token.Seq)
	assert.Equal(t, "TELE", req.Settings.Camera)
	assert.Equal(t, 800, req.Settings.ISO)
}

func TestBridge_ReceivesImagesAndCompletions(t *testing.T) {
	conn := newFakeConn()
	b := NewBridge(conn, "cam", 8, quietLogger())
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))

	frame := capture.NewImageFrame(1234, 2, 1, "RAW16", []byte{1, 2, 3, 4}, nil)
	require.NoError(t, conn.PublishMsg(ctx, encodeImage("cam.images", frame)))

	ev := capture.CompletionEvent{Token: capture.RequestToken{ID: "abc", Seq: 1}, Timestamp: 1234,
		Metadata: capture.Metadata{Sensitivity: 100, ExposureTime: time.Millisecond}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, conn.PublishMsg(ctx, &nats.Msg{Subject: "cam.completions", Data: data}))

	got := <-b.Images()
	assert.Equal(t, int64(1234), got.Timestamp)
	assert.Equal(t, 2, got.Width)
	assert.Equal(t, "RAW16", got.Format)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Data)
	assert.Equal(t, int64(1), b.Outstanding())
	require.NoError(t, got.Release())
	assert.Zero(t, b.Outstanding())

	gotEv := <-b.Completions()
	assert.Equal(t, ev.Token, gotEv.Token)
	assert.Equal(t, time.Millisecond, gotEv.Metadata.ExposureTime)

	require.NoError(t, b.Stop(ctx))
	_, ok := <-b.Images()
	assert.False(t, ok)
}

func TestBridge_RejectsMalformed(t *testing.T) {
	conn := newFakeConn()
	b := NewBridge(conn, "cam", 8, quietLogger())
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	require.NoError(t, conn.PublishMsg(ctx, &nats.Msg{Subject: "cam.images", Data: []byte{1}}))
	bad := nats.NewMsg("cam.images")
	bad.Header.Set(HeaderTimestamp, "soon")
	require.NoError(t, conn.PublishMsg(ctx, bad))
	require.NoError(t, conn.PublishMsg(ctx, &nats.Msg{Subject: "cam.completions", Data: []byte("{")}))
	require.NoError(t, conn.PublishMsg(ctx, &nats.Msg{Subject: "cam.completions", Data: []byte("{}")}))

	for _, size := range [][2]string{{"wide", "4"}, {"4", ""}, {"-1", "4"}} {
		msg := nats.NewMsg("cam.images")
		msg.Data = []byte{1, 2, 3, 4}
		msg.Header.Set(HeaderTimestamp, "1000")
		msg.Header.Set(HeaderWidth, size[0])
		msg.Header.Set(HeaderHeight, size[1])
		require.NoError(t, conn.PublishMsg(ctx, msg))
	}

	assert.Equal(t, int64(7), b.Rejected())
	assert.Zero(t, b.Outstanding())
	assert.Empty(t, b.Images())
	assert.Empty(t, b.Completions())
}

func TestBridge_Lifecycle(t *testing.T) {
	b := NewBridge(newFakeConn(), "cam", 1, quietLogger())
	ctx := context.Background()

	assert.Error(t, b.Submit(ctx, capture.RequestToken{ID: "x"}, capture.RequestSettings{}))
	require.NoError(t, b.Start(ctx))
	assert.Error(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Start(ctx), "restart after stop")
	require.NoError(t, b.Stop(ctx))
}

func TestRelay_ServesLocalSource(t *testing.T) {
	conn := newFakeConn()
	camera := testutil.NewManualSource(8)
	relay := NewRelay(conn, camera, "cam", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	require.Eventually(t, camera.Running, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.handlers["cam.requests"] != nil
	}, time.Second, time.Millisecond)

	bridge := NewBridge(conn, "cam", 8, quietLogger())
	require.NoError(t, bridge.Start(ctx))

	token := capture.RequestToken{ID: "t1", Seq: 1}
	require.NoError(t, bridge.Submit(ctx, token, capture.RequestSettings{ISO: 50}))
	require.Equal(t, []capture.RequestToken{token}, camera.Submitted())

	frames := testutil.NewReleaseTracker()
	require.NoError(t, camera.EmitImage(frames.NewFrame(99)))
	require.NoError(t, camera.Complete(token, 99))

	select {
	case f := <-bridge.Images():
		assert.Equal(t, int64(99), f.Timestamp)
		_ = f.Release()
	case <-time.After(time.Second):
		t.Fatal("image not relayed")
	}
	select {
	case ev := <-bridge.Completions():
		assert.Equal(t, token.ID, ev.Token.ID)
	case <-time.After(time.Second):
		t.Fatal("completion not relayed")
	}
	require.Eventually(t, func() bool { return frames.Released(99) == 1 }, time.Second, time.Millisecond,
		"relay releases the local frame once published")

	require.NoError(t, bridge.Stop(context.Background()))
	cancel()
	require.NoError(t, <-done)
	assert.False(t, camera.Running())
	served, failed := relay.Counts()
	assert.Equal(t, int64(1), served)
	assert.Zero(t, failed)
}
