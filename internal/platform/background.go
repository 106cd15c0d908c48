package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// background tracks runs evolving detached from the request that started
// them. Runs are never restarted: a cancelled run is recorded as failed.
type background struct {
	mu    sync.Mutex
	tasks map[string]*backgroundTask
}

type backgroundTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newBackground() *background {
	return &background{tasks: make(map[string]*backgroundTask)}
}

func (b *background) start(name string, run func(ctx context.Context)) error {
	b.mu.Lock()
	if _, exists := b.tasks[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("run already in progress: %s", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &backgroundTask{cancel: cancel, done: make(chan struct{})}
	b.tasks[name] = task
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			if current, ok := b.tasks[name]; ok && current == task {
				delete(b.tasks, name)
			}
			b.mu.Unlock()
			cancel()
			close(task.done)
		}()
		run(ctx)
	}()
	return nil
}

func (b *background) cancel(name string) bool {
	b.mu.Lock()
	task, ok := b.tasks[name]
	b.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	return true
}

// wait blocks until name is no longer running.
func (b *background) wait(ctx context.Context, name string) error {
	b.mu.Lock()
	task, ok := b.tasks[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *background) stopAll(ctx context.Context) error {
	b.mu.Lock()
	tasks := make([]*backgroundTask, 0, len(b.tasks))
	for _, task := range b.tasks {
		tasks = append(tasks, task)
	}
	b.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		select {
		case <-task.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *background) active() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.tasks))
	for name := range b.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
