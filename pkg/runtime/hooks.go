package runtime

import (
	"context"

	"github.com/fluxorio/machina/pkg/model"
)

// Hook is user-supplied code invoked at a hook point: a transition's
// triggered hook or a state's entry/exit hook. Hooks run inside the
// instance's critical section; events sent through the Sender are queued and
// delivered after the current transition completes. Hooks may mutate
// inst.Context directly.
type Hook func(ctx context.Context, inst *model.FSMInstance, event *model.Event, sender Sender) error

// Expression is a registered pure predicate used by expression guards and
// disambiguation clauses. It must not perform I/O.
type Expression func(context map[string]interface{}, event *model.Event, publicMember map[string]interface{}) bool

// RegisterHook registers a named hook. Components reference hooks by these
// names in entryHook, exitHook and triggeredHook fields. Registration must
// happen before the runtime starts processing events.
func (r *Runtime) RegisterHook(name string, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = hook
}

// RegisterExpression registers a named expression.
func (r *Runtime) RegisterExpression(name string, expr Expression) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expressions[name] = expr
}

func (r *Runtime) hook(name string) (Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[name]
	return h, ok
}

func (r *Runtime) expression(name string) (Expression, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.expressions[name]
	return e, ok
}
