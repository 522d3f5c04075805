// Package mocks 提供节点能力端口的测试替身。
//
// 支持固定回复、按次脚本化错误与调用记录。
package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/BaSui01/botflow/workflow/nodes"
)

// ErrScripted 脚本注入的默认错误
var ErrScripted = errors.New("scripted failure")

// ChatCall 一次 Generate 调用
type ChatCall struct {
	Messages []nodes.ChatMessage
	Config   nodes.ModelConfig
}

// ChatPort 实现 nodes.AIChatPort
type ChatPort struct {
	mu    sync.Mutex
	reply string
	errs  []error
	calls []ChatCall
}

// NewChatPort 每次调用都回复 reply
func NewChatPort(reply string) *ChatPort {
	return &ChatPort{reply: reply}
}

// FailNext 依次让接下来的调用返回 errs 中的错误，nil 元素使用 ErrScripted
func (p *ChatPort) FailNext(errs ...error) *ChatPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, err := range errs {
		if err == nil {
			err = ErrScripted
		}
		p.errs = append(p.errs, err)
	}
	return p
}

// Generate 记录调用并返回脚本结果
func (p *ChatPort) Generate(ctx context.Context, messages []nodes.ChatMessage, cfg nodes.ModelConfig) (*nodes.ChatReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ChatCall{Messages: append([]nodes.ChatMessage(nil), messages...), Config: cfg})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	return &nodes.ChatReply{Content: p.reply, Model: cfg.Model}, nil
}

// Calls 返回调用记录副本
func (p *ChatPort) Calls() []ChatCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatCall(nil), p.calls...)
}

// MessagePort 实现 nodes.MessagePort，记录下发与同步的消息
type MessagePort struct {
	mu         sync.Mutex
	dispatched []map[string]any
	synced     []map[string]any
}

// Dispatch 记录下发
func (p *MessagePort) Dispatch(_ context.Context, msg map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, msg)
	return map[string]any{"dispatched": true}, nil
}

// Sync 记录同步
func (p *MessagePort) Sync(_ context.Context, msg map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = append(p.synced, msg)
	return map[string]any{"synced": true}, nil
}

// Dispatched 返回已下发消息
func (p *MessagePort) Dispatched() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.dispatched...)
}

// Synced 返回已同步消息
func (p *MessagePort) Synced() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.synced...)
}
