package registry

import (
	"fmt"
	"sort"
	"sync"
)

// TaskResult is what a handler reports back. Business failures come back as
// Success=false with ErrorDetails set; handlers never signal them by panic.
type TaskResult struct {
	Success         bool
	ResultData      map[string]any
	ErrorDetails    string
	NextStageParams map[string]any
}

// TaskHandler executes one task. Handle must not mutate registry or global
// state; a returned error is treated the same as Success=false.
type TaskHandler interface {
	Type() string
	Handle(params map[string]any, tc *TaskContext) (*TaskResult, error)
}

// HandlerFunc adapts a plain function to TaskHandler.
type HandlerFunc struct {
	TaskType string
	Fn       func(params map[string]any, tc *TaskContext) (*TaskResult, error)
}

func (h HandlerFunc) Type() string { return h.TaskType }

func (h HandlerFunc) Handle(params map[string]any, tc *TaskContext) (*TaskResult, error) {
	return h.Fn(params, tc)
}

// HandlerRegistry maps task_type to its handler. Populated explicitly at
// boot, read-only afterwards.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]TaskHandler)}
}

func (r *HandlerRegistry) Register(h TaskHandler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *HandlerRegistry) Get(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
