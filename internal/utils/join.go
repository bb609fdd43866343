package utils

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Join 汇合计数器：n 个子任务各自上报一次，全部到齐后恰好触发一次完成信号，
// 与上报顺序无关。重复上报与越界下标被忽略。
type Join struct {
	mu     sync.Mutex
	n      uint
	seen   *bitset.BitSet
	errs   []error
	done   chan struct{}
	onDone func(errs []error)
}

// NewJoin 创建 n 路汇合，onDone 可为 nil；n 为 0 时立即完成
func NewJoin(n int, onDone func(errs []error)) *Join {
	if n < 0 {
		n = 0
	}
	j := &Join{
		n:      uint(n),
		seen:   bitset.New(uint(n)),
		errs:   make([]error, n),
		done:   make(chan struct{}),
		onDone: onDone,
	}
	if n == 0 {
		j.fire()
	}
	return j
}

// Done 上报第 i 个子任务的结果，返回是否被计入
func (j *Join) Done(i int, err error) bool {
	j.mu.Lock()
	if i < 0 || uint(i) >= j.n || j.seen.Test(uint(i)) {
		j.mu.Unlock()
		return false
	}
	j.seen.Set(uint(i))
	j.errs[i] = err
	complete := j.seen.Count() == j.n
	j.mu.Unlock()

	if complete {
		j.fire()
	}
	return true
}

func (j *Join) fire() {
	close(j.done)
	if j.onDone != nil {
		j.onDone(j.Errors())
	}
}

// Pending 尚未上报的子任务数
func (j *Join) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return int(j.n - j.seen.Count())
}

// Errors 按下标顺序返回已上报的非 nil 错误
func (j *Join) Errors() []error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []error
	for _, err := range j.errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Finished 全部子任务上报后关闭
func (j *Join) Finished() <-chan struct{} {
	return j.done
}

// Wait 阻塞直到全部上报或 ctx 结束
func (j *Join) Wait(ctx context.Context) ([]error, error) {
	select {
	case <-j.done:
		return j.Errors(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
