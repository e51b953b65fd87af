package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind 是控制消息的类型，取值封闭。
type Kind string

const (
	// KindActivateNow 让处于 Waiting 的版本立即激活，不需要回复。
	KindActivateNow Kind = "ACTIVATE_NOW"
	// KindClearPermanentStore 删除永久资源 store，完成后回复 Ack{Cleared: true}。
	KindClearPermanentStore Kind = "CLEAR_PERMANENT_STORE"
)

// 旧客户端仍在发送的名称。
var kindAliases = map[string]Kind{
	"SKIP_WAITING":      KindActivateNow,
	"CLEAR_MODEL_CACHE": KindClearPermanentStore,
}

// ErrUnknownKind 表示无法识别的控制消息类型。
var ErrUnknownKind = errors.New("unknown control message kind")

// ParseKind 解析线上名称，大小写不敏感，同时接受旧名称。
func ParseKind(raw string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	switch Kind(name) {
	case KindActivateNow, KindClearPermanentStore:
		return Kind(name), nil
	}
	if kind, ok := kindAliases[name]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// ExpectsReply 报告该类型是否会在 Reply 通道上回复。
func (k Kind) ExpectsReply() bool {
	return k == KindClearPermanentStore
}

// Ack 是 CLEAR_PERMANENT_STORE 的回复。
type Ack struct {
	Cleared bool   `json:"cleared"`
	Error   string `json:"error,omitempty"`
}

// Message 是投递给 Channel 的控制消息；Reply 可为空，非空时应带缓冲。
type Message struct {
	Kind  Kind
	Reply chan<- Ack
}

type wireMessage struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// DecodeKind 从 JSON 载荷中读取消息类型，优先使用 kind 字段，兼容 type 字段。
func DecodeKind(data []byte) (Kind, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownKind, err)
	}
	raw := wire.Kind
	if raw == "" {
		raw = wire.Type
	}
	return ParseKind(raw)
}
