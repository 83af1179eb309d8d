// Package media 麦克风与视频采集管线
package media

import (
	"context"
	"image"

	"AIHubRealtime/internal/aiclient"
	"AIHubRealtime/internal/logstore"
	"AIHubRealtime/internal/protocol"
)

// DeviceError 设备获取失败
type DeviceError = aiclient.DeviceError

// 采集源类型
const (
	KindMicrophone = "microphone"
	KindWebcam     = "webcam"
	KindScreen     = "screen"
	KindImages     = "images"
	KindTone       = "tone"
)

// Source 可启停的采集设备
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Active() bool
	Kind() string
}

// AudioSource PCM16 单声道音频源
type AudioSource interface {
	Source
	SampleRate() int
	// Read 阻塞直到读到样本；Stop 之后返回 io.EOF
	Read(ctx context.Context, buf []int16) (int, error)
}

// VideoSource 按需抓取一帧的视频源
type VideoSource interface {
	Source
	Frame(ctx context.Context) (image.Image, error)
}

// deviceLog 设备相关日志，store 可为空
func deviceLog(store *logstore.Store, typ string, message any) {
	if store == nil {
		return
	}
	store.Log(typ, protocol.SourceDevice, message)
}
