package orchestrator

import "sync"

// pendingTracker 统计进行中的异步同步任务
//
// 与 WaitGroup 不同，计数为零时的 add 可以与 wait 并发发生。
type pendingTracker struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newPendingTracker() *pendingTracker {
	p := &pendingTracker{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pendingTracker) add() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *pendingTracker) done() {
	p.mu.Lock()
	p.n--
	if p.n <= 0 {
		p.n = 0
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// wait 阻塞到当前没有进行中的任务
func (p *pendingTracker) wait() {
	p.mu.Lock()
	for p.n > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// count 进行中的任务数
func (p *pendingTracker) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
