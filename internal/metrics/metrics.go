package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aihub"

// Collector 客户端与采集管线的指标，nil 接收者上的方法均为空操作
type Collector struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	bytesSent       *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec
	state           *prometheus.GaugeVec
	chunksProduced  *prometheus.CounterVec
	inputVolume     prometheus.Gauge
	logEntries      prometheus.Counter

	registry *prometheus.Registry
}

// New 创建并注册指标；reg 为 nil 时使用独立的注册表
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of wire frames sent",
		}, []string{"provider", "kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of wire frames received by classification",
		}, []string{"provider", "kind"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the live connection",
		}, []string{"provider"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the live connection",
		}, []string{"provider"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_dropped_total",
			Help:      "Realtime input calls dropped without reaching the wire",
		}, []string{"provider", "reason"}),
		connectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from dial to setup acknowledgement",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "status"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"provider", "state"}),
		chunksProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_produced_total",
			Help:      "Encoded media chunks produced by capture pipelines",
		}, []string{"pipeline"}),
		inputVolume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_volume",
			Help:      "Latest microphone volume sample in [0,1]",
		}),
		logEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_total",
			Help:      "Log store appends including coalesced ones",
		}),
		registry: reg,
	}

	reg.MustRegister(
		c.framesSent, c.framesReceived, c.bytesSent, c.bytesReceived,
		c.dropped, c.connectDuration, c.state, c.chunksProduced,
		c.inputVolume, c.logEntries,
	)
	return c
}

// Registry 返回注册表，用于 /metrics
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// FrameSent 记录一次发送
func (c *Collector) FrameSent(provider, kind string, size int) {
	if c == nil {
		return
	}
	c.framesSent.WithLabelValues(provider, kind).Inc()
	c.bytesSent.WithLabelValues(provider).Add(float64(size))
}

// FrameReceived 记录一次接收
func (c *Collector) FrameReceived(provider, kind string, size int) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(provider, kind).Inc()
	c.bytesReceived.WithLabelValues(provider).Add(float64(size))
}

// Dropped 记录被丢弃的实时输入
func (c *Collector) Dropped(provider, reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(provider, reason).Inc()
}

// ConnectObserved 记录连接耗时
func (c *Collector) ConnectObserved(provider, status string, seconds float64) {
	if c == nil {
		return
	}
	c.connectDuration.WithLabelValues(provider, status).Observe(seconds)
}

// StateChanged 更新连接状态
func (c *Collector) StateChanged(provider, oldState, newState string) {
	if c == nil {
		return
	}
	c.state.WithLabelValues(provider, oldState).Set(0)
	c.state.WithLabelValues(provider, newState).Set(1)
}

// ChunkProduced 记录管线产出
func (c *Collector) ChunkProduced(pipeline string) {
	if c == nil {
		return
	}
	c.chunksProduced.WithLabelValues(pipeline).Inc()
}

// Volume 更新输入音量
func (c *Collector) Volume(v float64) {
	if c == nil {
		return
	}
	c.inputVolume.Set(v)
}

// LogAppended 记录日志写入
func (c *Collector) LogAppended() {
	if c == nil {
		return
	}
	c.logEntries.Inc()
}
