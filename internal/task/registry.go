package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// WorkerFunc executes one task inside a worker process and returns its output.
type WorkerFunc func(ctx context.Context, t Task) (string, error)

// Worker is a named function with its concurrency bound.
type Worker struct {
	Name     string
	PoolSize int
	Run      WorkerFunc
}

// BootstrapFunc produces task definitions from the scheduler context.
// It runs at startup and on every reload.
type BootstrapFunc func(ctx context.Context, sc map[string]any) ([]Task, error)

type Hook struct {
	Name string
	Run  BootstrapFunc
}

// Registry is built once at startup and shared by the scheduler, the worker
// pool and the worker child process. Lookups never go through import paths.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
	hooks   []Hook
}

func NewRegistry() *Registry {
	return &Registry{workers: map[string]Worker{}}
}

func (r *Registry) RegisterWorker(w Worker) error {
	name := strings.TrimSpace(w.Name)
	if name == "" {
		return fmt.Errorf("worker name is required")
	}
	if w.Run == nil {
		return fmt.Errorf("worker %q: Run is nil", name)
	}
	if w.PoolSize <= 0 {
		w.PoolSize = 1
	}
	w.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[name]; ok {
		return fmt.Errorf("worker %q already registered", name)
	}
	r.workers[name] = w
	return nil
}

// MustRegisterWorker panics on registration errors; intended for main().
func (r *Registry) MustRegisterWorker(w Worker) {
	if err := r.RegisterWorker(w); err != nil {
		panic(err)
	}
}

func (r *Registry) Worker(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Workers returns registered workers sorted by name.
func (r *Registry) Workers() []Worker {
	r.mu.RLock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPoolSize overrides the pool size of a registered worker.
func (r *Registry) SetPoolSize(name string, n int) error {
	if n <= 0 {
		return fmt.Errorf("worker %q: pool size must be > 0", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	w.PoolSize = n
	r.workers[name] = w
	return nil
}

func (r *Registry) RegisterBootstrap(name string, fn BootstrapFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("bootstrap hook needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hooks {
		if h.Name == name {
			return fmt.Errorf("bootstrap hook %q already registered", name)
		}
	}
	r.hooks = append(r.hooks, Hook{Name: name, Run: fn})
	return nil
}

// Hooks returns bootstrap hooks in registration order.
func (r *Registry) Hooks() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Hook(nil), r.hooks...)
}
