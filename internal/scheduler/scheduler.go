// Package scheduler реализует запуск повторяющихся фоновых проходов.
// Каждый проход регистрируется как именованная задача со своим интервалом
// и выполняется в собственной горутине: медленный внешний вызов в одном
// проходе не задерживает остальные. Ошибка и даже паника внутри запуска
// логируются, задача продолжает жить до остановки процесса.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task описывает один повторяющийся проход.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler управляет набором зарегистрированных задач.
type Scheduler struct {
	logger *zap.Logger
	tasks  []Task
}

// New создаёт пустой планировщик.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register добавляет задачу. Вызывается до Run.
func (s *Scheduler) Register(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run запускает все задачи и блокируется до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, t := range s.tasks {
		task := t
		g.Go(func() error {
			s.runTask(ctx, task)
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// Первый запуск сразу, чтобы после рестарта процесса не ждать
	// целый интервал.
	s.runOnce(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pass panicked",
				zap.String("pass", t.Name),
				zap.Any("panic", r),
			)
		}
	}()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		s.logger.Error("pass failed",
			zap.String("pass", t.Name),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("pass finished",
		zap.String("pass", t.Name),
		zap.Duration("duration", time.Since(start)),
	)
}
