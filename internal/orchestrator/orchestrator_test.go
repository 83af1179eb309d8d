package orchestrator_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/media"
	"AIHubRealtime/internal/orchestrator"
	"AIHubRealtime/internal/protocol"
	"AIHubRealtime/internal/testutil"
)

type fixture struct {
	server *testutil.TestServer
	client aiclient.AIClient
	store  *logstore.Store
	orch   *orchestrator.Orchestrator
}

func newFixture(t *testing.T, audio media.AudioSource, muted bool) *fixture {
	server := testutil.NewTestServer(t)
	server.Start()

	store := logstore.New()
	client, err := aiclient.New(aiclient.Connection{
		Provider: aiclient.ProviderGemini,
		URL:      server.URL(),
		APIKey:   "test-key",
	}, store, aiclient.WithSetupTimeout(3*time.Second))
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Options{
		Client:      client,
		Store:       store,
		AudioSource: audio,
		Audio:       media.AudioConfig{SampleRate: media.TargetSampleRate, ChunkSamples: 160},
		Frames:      media.FrameConfig{Interval: 50 * time.Millisecond},
		StartMuted:  muted,
	})
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })

	return &fixture{server: server, client: client, store: store, orch: orch}
}

func (f *fixture) connect(t *testing.T) {
	require.NoError(t, f.orch.Connect(context.Background(), aiclient.Config{Model: "gemini-live"}))
	f.orch.Wait()
}

func (f *fixture) countFrames(key string) int {
	n := 0
	for _, frame := range f.server.Frames() {
		if strings.Contains(string(frame.Raw), `"`+key+`"`) {
			n++
		}
	}
	return n
}

func (f *fixture) countMIME(mime string) int {
	n := 0
	for _, frame := range f.server.Frames() {
		if strings.Contains(string(frame.Raw), mime) {
			n++
		}
	}
	return n
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	return img
}

type deniedMicrophone struct{}

func (deniedMicrophone) Kind() string                               { return media.KindMicrophone }
func (deniedMicrophone) SampleRate() int                            { return media.TargetSampleRate }
func (deniedMicrophone) Active() bool                               { return false }
func (deniedMicrophone) Start(context.Context) error                { return errors.New("permission denied") }
func (deniedMicrophone) Stop() error                                { return nil }
func (deniedMicrophone) Read(context.Context, []int16) (int, error) { return 0, io.EOF }

// TestAudioFollowsConnection 麦克风采集随连接启停
func TestAudioFollowsConnection(t *testing.T) {
	tone := media.NewToneSource(media.TargetSampleRate, 440, 0.3)
	f := newFixture(t, tone, false)

	assert.False(t, f.orch.AudioActive())
	f.connect(t)
	assert.True(t, f.orch.AudioActive())

	require.Eventually(t, func() bool { return f.countFrames("realtimeInput") >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, f.orch.Volume(), 0.0)

	require.NoError(t, f.orch.Disconnect())
	assert.False(t, f.orch.AudioActive())
	assert.False(t, tone.Active())
	assert.Equal(t, 0.0, f.orch.Volume())
	assert.Equal(t, aiclient.StateClosed, f.client.State())

	sent := f.countFrames("realtimeInput")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, f.countFrames("realtimeInput"))

	t.Logf("🎤 断开前发送 %d 个音频分片", sent)
}

// TestMuteToggle 静音时不采集
func TestMuteToggle(t *testing.T) {
	tone := media.NewToneSource(media.TargetSampleRate, 440, 0.3)
	f := newFixture(t, tone, true)

	f.connect(t)
	assert.True(t, f.orch.Muted())
	assert.False(t, f.orch.AudioActive())

	require.NoError(t, f.orch.SetMuted(false))
	assert.True(t, f.orch.AudioActive())
	require.Eventually(t, func() bool { return f.countFrames("realtimeInput") >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.SetMuted(true))
	assert.False(t, f.orch.AudioActive())
	assert.False(t, tone.Active())
}

// TestMuteBeforeConnect 未连接时取消静音不启动麦克风
func TestMuteBeforeConnect(t *testing.T) {
	tone := media.NewToneSource(media.TargetSampleRate, 440, 0.3)
	f := newFixture(t, tone, true)

	require.NoError(t, f.orch.SetMuted(false))
	assert.False(t, f.orch.AudioActive())
	assert.False(t, tone.Active())
}

// TestSendTextRequiresConnection 未连接或空白文本时发送被拒绝
func TestSendTextRequiresConnection(t *testing.T) {
	f := newFixture(t, nil, false)

	assert.False(t, f.orch.CanSend())
	assert.False(t, f.orch.SendText("hello"))
	assert.Empty(t, f.server.Frames())
	assert.Equal(t, 0, f.store.Len())

	f.connect(t)
	assert.True(t, f.orch.CanSend())
	before := len(f.server.Frames())
	assert.False(t, f.orch.SendText("   "))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.server.Frames(), before)

	require.NoError(t, f.orch.Disconnect())
	assert.False(t, f.orch.CanSend())
	assert.False(t, f.orch.SendText("hello"))
}

// TestTranscriptPerTurn 转写文本按轮次累积
func TestTranscriptPerTurn(t *testing.T) {
	f := newFixture(t, nil, false)

	turns := make(chan struct{}, 4)
	f.client.Events().OnTurnComplete(func() { turns <- struct{}{} })

	f.connect(t)

	for _, text := range []string{"first", "second"} {
		require.True(t, f.orch.SendText(text))
		select {
		case <-turns:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for turn complete")
		}
		assert.Equal(t, "echo: "+text, f.orch.Transcript())
	}
}

// TestVideoFollowsConnectionAndSource 抽帧需要连接与视频源同时具备
func TestVideoFollowsConnectionAndSource(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()

	webcam := media.NewImageSequence(media.KindWebcam, testImage())
	require.NoError(t, f.orch.SetVideoSource(ctx, webcam))
	assert.False(t, f.orch.FramesActive())

	f.connect(t)
	assert.True(t, f.orch.FramesActive())
	require.Eventually(t, func() bool { return f.countMIME(protocol.MIMETypeJPEG) >= 2 }, 2*time.Second, 10*time.Millisecond)

	screen := media.NewImageSequence(media.KindScreen, testImage())
	require.NoError(t, f.orch.SetVideoSource(ctx, screen))
	assert.False(t, webcam.Active())
	assert.True(t, screen.Active())
	assert.Equal(t, media.KindScreen, f.orch.VideoSource().Kind())

	require.NoError(t, f.orch.SetVideoSource(ctx, nil))
	assert.False(t, f.orch.FramesActive())
	assert.False(t, screen.Active())

	sent := f.countMIME(protocol.MIMETypeJPEG)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, sent, f.countMIME(protocol.MIMETypeJPEG))
}

// TestServerCloseStopsCapture 服务端关闭后停止采集
func TestServerCloseStopsCapture(t *testing.T) {
	tone := media.NewToneSource(media.TargetSampleRate, 440, 0.3)
	f := newFixture(t, tone, false)

	require.NoError(t, f.orch.SetVideoSource(context.Background(), media.NewImageSequence(media.KindWebcam, testImage())))
	f.connect(t)
	assert.True(t, f.orch.AudioActive())
	assert.True(t, f.orch.FramesActive())

	f.server.ForceDisconnectAll(1000, "bye")

	require.Eventually(t, func() bool { return f.client.State() == aiclient.StateClosed }, 2*time.Second, 10*time.Millisecond)
	f.orch.Wait()
	assert.False(t, f.orch.AudioActive())
	assert.False(t, f.orch.FramesActive())
	assert.False(t, f.orch.CanSend())
	assert.NotNil(t, f.orch.VideoSource(), "视频源选择在重连后保留")
}

// TestConnectResetsLogs 每次会话开始清空日志
func TestConnectResetsLogs(t *testing.T) {
	f := newFixture(t, nil, false)
	f.store.Log(protocol.LogClientSend, protocol.SourceClient, "stale entry")

	f.connect(t)
	for _, entry := range f.store.Logs() {
		assert.NotEqual(t, "stale entry", entry.Message)
	}
	assert.NotZero(t, f.store.Len())
}

// TestMicrophoneDeniedKeepsSession 麦克风不可用时返回设备错误但会话保持
func TestMicrophoneDeniedKeepsSession(t *testing.T) {
	f := newFixture(t, deniedMicrophone{}, false)

	err := f.orch.Connect(context.Background(), aiclient.Config{Model: "gemini-live"})
	require.Error(t, err)
	assert.ErrorIs(t, err, aiclient.ErrDevice)
	assert.Equal(t, aiclient.StateOpen, f.client.State())
	assert.False(t, f.orch.AudioActive())
	assert.True(t, f.orch.SendText("still works"))

	var deviceLogs int
	for _, entry := range f.store.Logs() {
		if entry.Type == protocol.LogDevice {
			deviceLogs++
		}
	}
	assert.GreaterOrEqual(t, deviceLogs, 1)
}

// TestNewRequiresClient 缺少客户端时报错
func TestNewRequiresClient(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Options{})
	assert.Error(t, err)
}
