// Package dispatch — мост между параллельными HTTP-воркерами и единственной
// горутиной, на которой выполняется весь ввод-вывод Telegram.
//
// Модель: один «цикл» (loop) последовательно исполняет задачи из очереди.
// Клиенты gotd и файлы сессий трогаются только отсюда, поэтому гонок за
// MTProto-состояние не существует по построению. Воркеры блокируются в
// RunOnLoop до результата задачи или истечения бюджета; просроченная задача
// не отменяется — она доработает на цикле и корректно освободит ресурсы,
// а её результат будет отброшен.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"teledrive/internal/auth/fail"
	"teledrive/internal/infra/logger"
)

// queueDepth ограничивает очередь отправленных, но ещё не начатых задач.
// Переполнение означает, что цикл надолго занят; новые вызовы дождутся места
// в пределах собственного таймаута.
const queueDepth = 64

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// task — одна единица работы на цикле. Канал done буферизован, чтобы цикл
// никогда не блокировался на вручении результата покинувшему нас вызывающему.
type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Dispatcher владеет горутиной цикла и очередью задач. Нулевое значение не
// готово к работе: используйте New + Start.
type Dispatcher struct {
	state atomic.Int32

	tasks      chan *task
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создает диспетчер в состоянии idle.
func New() *Dispatcher {
	return &Dispatcher{
		tasks:    make(chan *task, queueDepth),
		loopDone: make(chan struct{}),
	}
}

// Start поднимает горутину цикла и возвращает управление, как только очередь
// принимает задачи. Идемпотентен.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.loopCtx, d.loopCancel = context.WithCancel(context.Background())
		d.state.Store(stateRunning)
		go d.loop()
		logger.Info("Dispatcher: loop started")
	})
}

// Stop сигнализирует циклу завершиться, дожидается его выхода и отвечает
// LoopDown всем задачам, оставшимся в очереди. Безопасен для однократного
// вызова за время жизни процесса.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if !d.state.CompareAndSwap(stateRunning, stateStopped) {
			d.state.Store(stateStopped)
			return
		}
		d.loopCancel()
		<-d.loopDone
		logger.Info("Dispatcher: loop stopped")
	})
}

// RunOnLoop синхронно исполняет fn на цикле. Блокирует вызывающую горутину до
// результата, отмены ctx или истечения timeout. Возвращаемые ошибки уровня
// диспетчера всегда несут Kind из таксономии: DispatchTimeout или LoopDown.
func (d *Dispatcher) RunOnLoop(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if d == nil || d.state.Load() != stateRunning {
		return fail.New(fail.LoopDown, "dispatcher is not running")
	}

	t := &task{fn: fn, done: make(chan error, 1)}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Фаза 1: постановка в очередь.
	select {
	case d.tasks <- t:
	case <-d.loopCtx.Done():
		return fail.New(fail.LoopDown, "dispatcher stopped while enqueueing")
	case <-ctx.Done():
		return fail.Wrap(fail.DispatchTimeout, "caller gone before enqueue", ctx.Err())
	case <-deadline.C:
		return fail.New(fail.DispatchTimeout, "loop queue is busy")
	}

	// Фаза 2: ожидание результата. Просроченная задача продолжает исполняться
	// на цикле; её результат уйдет в буферизованный канал и будет отброшен.
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return fail.Wrap(fail.DispatchTimeout, "caller gone before completion", ctx.Err())
	case <-deadline.C:
		return fail.New(fail.DispatchTimeout, "task exceeded dispatch budget")
	}
}

// loop — тело горутины цикла: последовательное исполнение задач до остановки.
func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	defer d.drain()

	for {
		select {
		case <-d.loopCtx.Done():
			return
		case t := <-d.tasks:
			t.done <- d.run(t.fn)
		}
	}
}

// run исполняет задачу, превращая панику в LoopDown вместо падения процесса:
// цикл — общий ресурс всех HTTP-запросов.
func (d *Dispatcher) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Dispatcher: task panic recovered: %v", r)
			err = fail.New(fail.LoopDown, "internal task failure")
		}
	}()
	return fn(d.loopCtx)
}

// drain отвечает LoopDown всем задачам, успевшим встать в очередь до остановки.
func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.tasks:
			t.done <- fail.New(fail.LoopDown, "dispatcher stopped")
		default:
			return
		}
	}
}

// Call исполняет на цикле функцию с типизированным результатом. Обёртка над
// RunOnLoop для вызовов, возвращающих значение.
func Call[T any](d *Dispatcher, ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := d.RunOnLoop(ctx, timeout, func(ctx context.Context) error {
		v, callErr := fn(ctx)
		if callErr != nil {
			return callErr
		}
		out = v
		return nil
	})
	if err != nil {
		// При таймауте задача может дописать out позже на цикле; наружу уходит
		// только нулевое значение, чтобы не читать гонящуюся память.
		var zero T
		return zero, err
	}
	return out, nil
}
