package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	_ "golang.org/x/image/webp"
)

// ErrSourceStopped 视频源未启动
var ErrSourceStopped = errors.New("source not started")

// ImageSequenceSource 循环播放一组静态图片，用于屏幕共享录屏回放或无摄像头环境
type ImageSequenceSource struct {
	kind   string
	frames []image.Image

	mu     sync.Mutex
	next   int
	active bool
}

// NewImageSequence 由内存图片创建视频源
func NewImageSequence(kind string, frames ...image.Image) *ImageSequenceSource {
	if kind == "" {
		kind = KindImages
	}
	return &ImageSequenceSource{kind: kind, frames: frames}
}

// LoadImageSequence 读取图片文件，支持 jpeg/png/gif/webp
func LoadImageSequence(kind string, paths ...string) (*ImageSequenceSource, error) {
	frames := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open image %s: %w", path, err)
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode image %s: %w", path, err)
		}
		frames = append(frames, img)
	}
	return NewImageSequence(kind, frames...), nil
}

func (s *ImageSequenceSource) Kind() string { return s.kind }

func (s *ImageSequenceSource) Start(ctx context.Context) error {
	if len(s.frames) == 0 {
		return errors.New("no frames")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.next = 0
	return nil
}

func (s *ImageSequenceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

func (s *ImageSequenceSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Frame 返回下一张图片，到末尾后从头开始
func (s *ImageSequenceSource) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return nil, ErrSourceStopped
	}
	img := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	return img, nil
}
