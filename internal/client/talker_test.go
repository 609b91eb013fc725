package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/bridge"
	"github.com/ent0n29/livebridge/internal/capture"
	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/httpapi"
	"github.com/ent0n29/livebridge/internal/model"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/playback"
	"github.com/ent0n29/livebridge/internal/session"
)

func newLiveServer(t *testing.T, mock model.MockOptions) (*httptest.Server, *bridge.Bridge) {
	t.Helper()
	metrics := observability.NewMetrics("client_test")
	b := bridge.New(bridge.Options{
		Connector: model.NewMockConnector(mock),
		Metrics:   metrics,
	})
	srv := httpapi.New(
		config.Config{CORSOrigins: []string{"*"}, ModelProvider: "mock"},
		session.NewRegistry(session.Options{TTL: time.Minute}),
		b, nil, metrics, zap.NewNop(),
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		b.CloseAll()
		ts.Close()
	})
	return ts, b
}

type talkerProbe struct {
	mu         sync.Mutex
	captions   []string
	replyBytes int
	replies    int
	latency    chan time.Duration
	closed     chan struct{}
}

func newProbe() *talkerProbe {
	return &talkerProbe{latency: make(chan time.Duration, 8), closed: make(chan struct{}, 1)}
}

func (p *talkerProbe) options(c *Client, opener capture.Opener) TalkerOptions {
	return TalkerOptions{
		Client:  c,
		Capture: opener,
		Output:  playback.TimerDeviceFactory(0.05, nil),
		OnCaption: func(text string) {
			p.mu.Lock()
			p.captions = append(p.captions, text)
			p.mu.Unlock()
		},
		OnLatency: func(d time.Duration) { p.latency <- d },
		OnReplyAudio: func(pcm []byte) {
			p.mu.Lock()
			p.replies++
			p.replyBytes += len(pcm)
			p.mu.Unlock()
		},
		OnClosed: func() {
			select {
			case p.closed <- struct{}{}:
			default:
			}
		},
	}
}

func (p *talkerProbe) replyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replies
}

func (p *talkerProbe) sawCaption(text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.captions {
		if c == text {
			return true
		}
	}
	return false
}

func TestTalkerHoldToTalkRoundTrip(t *testing.T) {
	ts, _ := newLiveServer(t, model.MockOptions{ReplyFrames: 2})
	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	pcm := audio.Float32ToPCM16(audio.SineTone(300, 400*time.Millisecond, audio.InputSampleRate, 0.3))
	eof := make(chan error, 1)
	opener := capture.ReaderOpener(bytes.NewReader(pcm), capture.ReaderOptions{OnEOF: func(err error) { eof <- err }})

	probe := newProbe()
	talker, err := NewTalker(probe.options(c, opener))
	require.NoError(t, err)
	defer talker.Stop()

	require.NoError(t, talker.HoldStart(context.Background()))
	require.True(t, talker.Active())
	require.NotEmpty(t, talker.SessionID())

	select {
	case err := <-eof:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture never drained")
	}
	require.NoError(t, talker.HoldEnd())

	select {
	case d := <-probe.latency:
		assert.Greater(t, d, time.Duration(0))
	case <-time.After(3 * time.Second):
		t.Fatal("no first audio after releasing the hold")
	}
	require.Eventually(t, func() bool { return probe.replyCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, probe.sawCaption("simulated reply"))

	talker.Stop()
	select {
	case <-probe.closed:
	case <-time.After(time.Second):
		t.Fatal("OnClosed not called")
	}
	assert.False(t, talker.Active())
}

func TestTalkerHardStopHaltsReply(t *testing.T) {
	ts, _ := newLiveServer(t, model.MockOptions{ReplyFrames: 40, FrameInterval: 40 * time.Millisecond})
	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	probe := newProbe()
	talker, err := NewTalker(probe.options(c, capture.ReaderOpener(bytes.NewReader(nil), capture.ReaderOptions{})))
	require.NoError(t, err)
	defer talker.Stop()

	require.NoError(t, talker.SendText(context.Background(), "tell me a long story"))
	select {
	case <-probe.latency:
	case <-time.After(3 * time.Second):
		t.Fatal("no reply audio")
	}

	require.NoError(t, talker.HardStop())
	time.Sleep(200 * time.Millisecond)
	settled := probe.replyCount()
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, settled, probe.replyCount(), "reply audio kept flowing after barge-in")
	assert.Less(t, settled, 40)
	assert.True(t, talker.Active(), "barge-in keeps the session open")
}

func TestTalkerStopsOnServerClose(t *testing.T) {
	ts, b := newLiveServer(t, model.MockOptions{})
	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	probe := newProbe()
	talker, err := NewTalker(probe.options(c, capture.ReaderOpener(bytes.NewReader(nil), capture.ReaderOptions{})))
	require.NoError(t, err)

	require.NoError(t, talker.SendText(context.Background(), "hi"))
	require.Eventually(t, func() bool { return b.Active() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.CloseAll()

	select {
	case <-probe.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("talker did not stop after server-close")
	}
	assert.False(t, talker.Active())
}
