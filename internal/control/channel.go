package control

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-hub/internal/lifecycle"
	"github.com/any-hub/asset-hub/internal/logging"
)

const defaultBuffer = 16

// Target 是控制消息作用的对象，lifecycle.Controller 满足该接口。
type Target interface {
	SkipWaiting(ctx context.Context) error
	ClearPermanentStore(ctx context.Context) (bool, error)
}

// Channel 串行处理控制消息：Send 负责投递，Run 在单个 goroutine 中逐条执行。
type Channel struct {
	target Target
	inbox  chan Message
	logger *logrus.Entry
}

// NewChannel 构造 Channel；buffer <= 0 时使用默认缓冲。
func NewChannel(target Target, logger *logrus.Logger, buffer int) *Channel {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Channel{
		target: target,
		inbox:  make(chan Message, buffer),
		logger: logging.Component(logger, "control"),
	}
}

// Send 投递一条消息，在入队或 ctx 结束时返回。
func (c *Channel) Send(ctx context.Context, msg Message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request 投递消息并在需要回复时等待 Ack；ACTIVATE_NOW 入队后立即返回零值 Ack。
func (c *Channel) Request(ctx context.Context, kind Kind) (Ack, error) {
	if !kind.ExpectsReply() {
		return Ack{}, c.Send(ctx, Message{Kind: kind})
	}
	reply := make(chan Ack, 1)
	if err := c.Send(ctx, Message{Kind: kind, Reply: reply}); err != nil {
		return Ack{}, err
	}
	select {
	case ack := <-reply:
		return ack, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Run 消费消息直到 ctx 结束。
func (c *Channel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.inbox:
			c.Dispatch(ctx, msg)
		}
	}
}

// Dispatch 同步处理单条消息。
func (c *Channel) Dispatch(ctx context.Context, msg Message) {
	fields := logrus.Fields{"action": "control", "kind": string(msg.Kind)}
	switch msg.Kind {
	case KindActivateNow:
		err := c.target.SkipWaiting(ctx)
		switch {
		case err == nil:
			c.logger.WithFields(fields).Info("activate_now")
		case errors.Is(err, lifecycle.ErrNoWaitingVersion):
			c.logger.WithFields(fields).Info("activate_now_ignored")
		default:
			c.logger.WithFields(fields).WithError(err).Warn("activate_now_failed")
		}
	case KindClearPermanentStore:
		ack := Ack{Cleared: true}
		if _, err := c.target.ClearPermanentStore(ctx); err != nil {
			ack = Ack{Cleared: false, Error: err.Error()}
			c.logger.WithFields(fields).WithError(err).Warn("clear_failed")
		} else {
			c.logger.WithFields(fields).Info("permanent_store_cleared")
		}
		c.reply(ctx, msg, ack)
	default:
		c.logger.WithFields(fields).Warn("unknown_kind")
	}
}

func (c *Channel) reply(ctx context.Context, msg Message, ack Ack) {
	if msg.Reply == nil {
		return
	}
	select {
	case msg.Reply <- ack:
	case <-ctx.Done():
	}
}
