package executor

import (
	"fmt"
	"sync"

	"github.com/okezie-m/studypipe/constants"
)

// Registry maps job types to their executors. Stage implementations register
// themselves at boot; the worker pool only ever looks up.
type Registry struct {
	mu sync.RWMutex
	m  map[constants.JobType]Executor
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[constants.JobType]Executor)}
}

func (r *Registry) Register(t constants.JobType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t] = e
}

func (r *Registry) Get(t constants.JobType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for job type %q", t)
	}
	return e, nil
}
