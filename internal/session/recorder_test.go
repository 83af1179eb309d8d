package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedRecorder(opts ...RecorderOption) (*Recorder, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRecorder(opts...)
	r.now = clock.now
	return r, clock
}

// TestFrameKind 测试帧分类
func TestFrameKind(t *testing.T) {
	assert.Equal(t, "setup", FrameKind([]byte(`{"setup":{"model":"m"}}`)))
	assert.Equal(t, "serverContent", FrameKind([]byte(`{"serverContent":{"turnComplete":true},"usageMetadata":{}}`)))
	assert.Equal(t, "response.done", FrameKind([]byte(`{"type":"response.done","event_id":"e"}`)))
	assert.Equal(t, "unknown", FrameKind([]byte(`not json`)))
	assert.Equal(t, "unknown", FrameKind([]byte(`{}`)))
}

// TestRecorderStatsAndLatency 测试统计与轮次延迟
func TestRecorderStatsAndLatency(t *testing.T) {
	r, clock := newClockedRecorder()

	r.OnFrame("s1", DirectionOut, []byte(`{"setup":{}}`))
	clock.advance(10 * time.Millisecond)
	r.OnFrame("s1", DirectionIn, []byte(`{"setupComplete":{}}`))

	clock.advance(10 * time.Millisecond)
	r.OnFrame("s1", DirectionOut, []byte(`{"clientContent":{"turnComplete":true}}`))
	clock.advance(100 * time.Millisecond)
	r.OnFrame("s1", DirectionIn, []byte(`{"serverContent":{"modelTurn":{}}}`))
	r.OnFrame("s1", DirectionIn, []byte(`{"serverContent":{"turnComplete":true}}`))

	r.OnFrame("s1", DirectionOut, []byte(`{"clientContent":{"turnComplete":true}}`))
	clock.advance(300 * time.Millisecond)
	r.OnFrame("s1", DirectionIn, []byte(`{"serverContent":{"modelTurn":{}}}`))

	s, ok := r.GetSession("s1")
	require.True(t, ok)
	require.Len(t, s.Frames, 7)
	assert.Equal(t, int64(3), s.Stats.FramesSent)
	assert.Equal(t, int64(4), s.Stats.FramesReceived)
	assert.Equal(t, 2, s.Stats.Turns)
	assert.Equal(t, 100*time.Millisecond, s.Stats.MinLatency)
	assert.Equal(t, 300*time.Millisecond, s.Stats.MaxLatency)
	assert.Equal(t, 200*time.Millisecond, s.Stats.AverageLatency)
	assert.Equal(t, "setupComplete", s.Frames[1].Kind)

	_, ok = r.GetSession("missing")
	assert.False(t, ok)
}

// TestRecorderOptions 测试不保存内容与帧数上限
func TestRecorderOptions(t *testing.T) {
	r, _ := newClockedRecorder(WithoutRaw(), WithMaxFrames(2))
	for i := 0; i < 5; i++ {
		r.OnFrame("s1", DirectionIn, []byte(`{"serverContent":{}}`))
	}

	s, _ := r.GetSession("s1")
	assert.Len(t, s.Frames, 2)
	assert.Nil(t, s.Frames[0].Raw)
	assert.Equal(t, int64(5), s.Stats.FramesReceived)
}

// TestSaveAndLoad 测试导出与读取
func TestSaveAndLoad(t *testing.T) {
	r, clock := newClockedRecorder()
	r.OnFrame("b", DirectionOut, []byte(`{"setup":{}}`))
	r.OnFrame("a", DirectionOut, []byte(`{"setup":{}}`))
	clock.advance(time.Second)
	r.OnFrame("a", DirectionIn, []byte(`{"serverContent":{"turnComplete":true}}`))

	assert.Equal(t, []string{"b", "a"}, r.SessionIDs())

	paths, err := r.SaveAll(t.TempDir())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "session_a.json", filepath.Base(paths[0]))

	loaded, err := LoadSession(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.ID)
	require.Len(t, loaded.Inbound(), 1)
	assert.JSONEq(t, `{"serverContent":{"turnComplete":true}}`, string(loaded.Inbound()[0].Raw))

	_, err = r.ExportJSON("missing")
	assert.Error(t, err)
}

// TestReplayer 测试按间隔回放入站帧
func TestReplayer(t *testing.T) {
	r, clock := newClockedRecorder()
	r.OnFrame("s", DirectionOut, []byte(`{"setup":{}}`))
	r.OnFrame("s", DirectionIn, []byte(`{"setupComplete":{}}`))
	r.OnFrame("s", DirectionIn, []byte(`{"serverContent":{"modelTurn":{}}}`))
	clock.advance(40 * time.Millisecond)
	r.OnFrame("s", DirectionIn, []byte(`{"serverContent":{"turnComplete":true}}`))

	s, _ := r.GetSession("s")

	var kinds []string
	start := time.Now()
	stats, err := NewReplayer(s, SpeedNormal).Play(context.Background(), func(f *Frame) error {
		kinds = append(kinds, f.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, []string{"serverContent", "serverContent"}, kinds)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Replayed)
	assert.Equal(t, 1, stats.Skipped)

	boom := errors.New("closed")
	_, err = NewReplayer(s, SpeedInstant).Play(context.Background(), func(*Frame) error { return boom })
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewReplayer(s, SpeedInstant).Play(ctx, func(*Frame) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
