package worker

import "encoding/json"

// Message 是 worker 发出的消息，只有 Progress、Complete、Error 三种实现。
type Message interface {
	Kind() string
	isMessage()
}

// Progress 在每个数据块之后发出；TotalBytes 为 0 表示大小未知，此时 Percent 恒为 0。
type Progress struct {
	Percent       int
	ReceivedBytes int64
	TotalBytes    int64
}

// Complete 是成功时的终止消息，Handle 可通过 Blobs 取回完整正文。
type Complete struct {
	Handle string
	Size   int64
}

// Error 是失败时的终止消息，之后不会再有 Complete。
type Error struct {
	Message string
}

const (
	KindProgress = "PROGRESS"
	KindComplete = "COMPLETE"
	KindError    = "ERROR"
)

func (Progress) Kind() string { return KindProgress }
func (Complete) Kind() string { return KindComplete }
func (Error) Kind() string    { return KindError }

func (Progress) isMessage() {}
func (Complete) isMessage() {}
func (Error) isMessage()    {}

// Terminal 报告消息是否为终止消息。
func Terminal(msg Message) bool {
	switch msg.(type) {
	case Complete, Error:
		return true
	default:
		return false
	}
}

type wireProgress struct {
	Kind          string `json:"kind"`
	Percent       int    `json:"percent"`
	ReceivedBytes int64  `json:"receivedBytes"`
	TotalBytes    int64  `json:"totalBytes"`
}

type wireComplete struct {
	Kind   string `json:"kind"`
	Handle string `json:"handle"`
	Size   int64  `json:"size"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Encode 把消息编码为线上 JSON 形态。
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Progress:
		return json.Marshal(wireProgress{Kind: KindProgress, Percent: m.Percent, ReceivedBytes: m.ReceivedBytes, TotalBytes: m.TotalBytes})
	case Complete:
		return json.Marshal(wireComplete{Kind: KindComplete, Handle: m.Handle, Size: m.Size})
	case Error:
		return json.Marshal(wireError{Kind: KindError, Message: m.Message})
	default:
		return json.Marshal(wireError{Kind: KindError, Message: "unknown message"})
	}
}
