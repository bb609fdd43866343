package utils

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool 通用协程池，任务 panic 不会拖垮 worker
type WorkerPool struct {
	jobs      chan func()
	workerNum int
	log       *zap.Logger

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workerNum, queueSize int, log *zap.Logger) *WorkerPool {
	if workerNum <= 0 {
		workerNum = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		jobs:      make(chan func(), queueSize),
		workerNum: workerNum,
		log:       log,
		quit:      make(chan struct{}),
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.workerNum; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.log.Debug("worker pool started", zap.Int("workers", p.workerNum))
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(id, job)
		case <-p.quit:
			return
		}
	}
}

func (p *WorkerPool) run(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务；队列已满时排队等待，直到 ctx 结束或协程池停止
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Stop 停止协程池并等待 worker 退出，队列中未执行的任务被丢弃
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
