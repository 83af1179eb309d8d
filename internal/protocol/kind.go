package protocol

// MessageKind 入站消息分类，每条线上消息只归入一类
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindSetupComplete
	KindContent
	KindAudio
	KindInterrupted
	KindTurnComplete
	KindToolCall
	KindToolCallCancellation
	KindError
	// KindInformational 不产生消费者事件，只写日志（usage、goAway等）
	KindInformational
)

// String 将分类转换为可读字符串，用于调试和日志
func (k MessageKind) String() string {
	switch k {
	case KindSetupComplete:
		return "SETUP_COMPLETE"
	case KindContent:
		return "CONTENT"
	case KindAudio:
		return "AUDIO"
	case KindInterrupted:
		return "INTERRUPTED"
	case KindTurnComplete:
		return "TURN_COMPLETE"
	case KindToolCall:
		return "TOOL_CALL"
	case KindToolCallCancellation:
		return "TOOL_CALL_CANCELLATION"
	case KindError:
		return "ERROR"
	case KindInformational:
		return "INFORMATIONAL"
	default:
		return "UNKNOWN"
	}
}

// IsEventKind 判断该分类是否会触发消费者事件
func (k MessageKind) IsEventKind() bool {
	switch k {
	case KindSetupComplete, KindContent, KindAudio, KindInterrupted,
		KindTurnComplete, KindToolCall, KindToolCallCancellation:
		return true
	default:
		return false
	}
}

// 日志类型
const (
	LogClientOpen          = "client.open"
	LogClientClose         = "client.close"
	LogClientSend          = "client.send"
	LogClientRealtimeInput = "client.realtimeInput"
	LogClientError         = "client.error"
	LogServerContent       = "server.content"
	LogServerAudio         = "server.audio"
	LogServerSend          = "server.send"
	LogServerClose         = "server.close"
	LogServerError         = "server.error"
	LogServerInfo          = "server.info"
	LogServerUnknown       = "server.unknown"
	LogToolUse             = "TOOL_USE"
	LogDevice              = "device"
	LogVideo               = "video"
)

// 日志来源
const (
	SourceClient = "client"
	SourceServer = "server"
	SourceDevice = "device"
)

// MIME类型
const (
	MIMETypePCM16 = "audio/pcm;rate=16000"
	MIMETypeJPEG  = "image/jpeg"
)
