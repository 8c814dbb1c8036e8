//go:build integration

package natsbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilya-Muromets/Pani/capture"
	"github.com/Ilya-Muromets/Pani/natsclient"
	"github.com/Ilya-Muromets/Pani/source/simulated"
	"github.com/Ilya-Muromets/Pani/testutil"
)

func TestIntegration_BurstOverNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	cameraConn := tc.NewClient(t, natsclient.WithName("camera"))

	camera := simulated.New(simulated.Config{Width: 16, Height: 16, Seed: 5}, quietLogger())
	relay := NewRelay(cameraConn, camera, "it.camera", quietLogger())

	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(relayCtx) }()
	defer func() {
		stopRelay()
		require.NoError(t, <-relayDone)
	}()
	require.NoError(t, cameraConn.Flush(context.Background()))
	// The relay subscribes asynchronously
	time.Sleep(200 * time.Millisecond)

	bridge := NewBridge(tc.Client, "it.camera", 64, quietLogger())
	sink := testutil.NewRecordingSink()

	cfg := capture.DefaultConfig()
	cfg.TargetFPS = 50
	cfg.MaxFrames = 10
	cfg.DrainTimeout = 10 * time.Second
	cfg.Settings = capture.RequestSettings{Camera: "MAIN", ISO: 200, ExposureTime: 2 * time.Millisecond}

	session, err := capture.NewSession(cfg, bridge, sink, capture.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))

	select {
	case <-session.Done():
	case <-time.After(30 * time.Second):
		t.Fatalf("burst did not finish: %+v", session.Stats())
	}

	stats := session.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Positive(t, stats.Matched)
	assert.False(t, stats.Forced)
	assert.Zero(t, bridge.Outstanding())
	assert.Zero(t, session.InFlight())
	for _, p := range sink.Pairs() {
		assert.Equal(t, 16*16*2, len(p.Frame.Data))
		assert.Equal(t, 200, p.Metadata.Sensitivity)
	}
}
