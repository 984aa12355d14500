package services

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/metrics"
)

var executorLog = logrus.WithField("component", "executor")

// Task 一个后台任务
type Task struct {
	Name string
	Fn   func(ctx context.Context)
}

// Executor 有界工作池
// 事件处理器把次要工作（补单、风控健康检查）提交到这里，
// 自己可以立即返回；队列饱和时丢弃任务并计数，而不是阻塞
type Executor struct {
	queue   chan Task
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewExecutor 创建工作池，workers 为并发数，queueSize 为队列上限
func NewExecutor(workers, queueSize int) *Executor {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		queue:   make(chan Task, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动工作协程
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go e.worker(i)
		}
		executorLog.Infof("工作池已启动: %d 个工作协程, 队列上限 %d", e.workers, cap(e.queue))
	})
}

// Submit 提交任务，队列已满时返回 false 并计入丢弃
func (e *Executor) Submit(name string, fn func(ctx context.Context)) bool {
	select {
	case <-e.ctx.Done():
		return false
	default:
	}

	select {
	case e.queue <- Task{Name: name, Fn: fn}:
		return true
	default:
		metrics.ExecutorDrops.Add(1)
		executorLog.Warnf("⚠️ 任务队列已满, 丢弃任务 %s", name)
		return false
	}
}

// Stop 停止工作池并等待在执行的任务完成
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		executorLog.Info("工作池已停止")
	})
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case task := <-e.queue:
			e.run(task)
		}
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			executorLog.Errorf("❌ 任务 %s panic: %v", task.Name, r)
		}
	}()
	task.Fn(e.ctx)
}
