//go:build !portaudio

package mic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/media"
)

// TestStubReportsDeviceError 测试无麦克风支持时管线返回设备错误
func TestStubReportsDeviceError(t *testing.T) {
	m := New(0, 0)
	assert.False(t, Available)
	assert.Equal(t, media.TargetSampleRate, m.SampleRate())

	p := media.NewAudioPipeline(m, media.DefaultAudioConfig(), nil, nil)
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, aiclient.ErrDevice)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, p.Running())
}
