package httpclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PhaseTimer はバックエンド呼び出しのフェーズごとに期限を切り替えるタイマー。
// ヘッダー待ちの期限が切れる前にNextを呼ぶと、そこからボディ待ちの期限が始まる。
type PhaseTimer struct {
	// cancel はフェーズのコンテキストを取り消す。
	cancel context.CancelFunc
	// mu はtimerを保護する。
	mu sync.Mutex
	// timer は現在のフェーズの期限。
	timer *time.Timer
	// expired は期限切れで取り消されたかどうか。
	expired atomic.Bool
}

// NewPhaseTimer はparentから派生したコンテキストと、最初のフェーズの期限dを持つタイマーを返す。
// dが0以下なら期限を設けない。
func NewPhaseTimer(parent context.Context, d time.Duration) (context.Context, *PhaseTimer) {
	ctx, cancel := context.WithCancel(parent)
	p := &PhaseTimer{cancel: cancel}
	p.Next(d)
	return ctx, p
}

// Next は現在の期限を止めて、次のフェーズの期限dを開始する。
func (p *PhaseTimer) Next(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if d > 0 {
		p.timer = time.AfterFunc(d, func() {
			p.expired.Store(true)
			p.cancel()
		})
	}
}

// Stop はタイマーを止めてコンテキストを取り消す。呼び出しの完了後に必ず呼ぶ。
func (p *PhaseTimer) Stop() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.cancel()
}

// Expired は期限切れで取り消されたかどうかを返す。
func (p *PhaseTimer) Expired() bool {
	return p.expired.Load()
}
