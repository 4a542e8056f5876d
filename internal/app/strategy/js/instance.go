package js

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// instance pins one goja runtime to a single goroutine. goja runtimes are not
// safe for concurrent use, so every call is funnelled through the loop.
type instance struct {
	rt     *goja.Runtime
	export *goja.Object
	queue  chan func(*goja.Runtime)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type callResult struct {
	value goja.Value
	err   error
}

func newInstance(module *Module) (*instance, error) {
	if module == nil {
		return nil, fmt.Errorf("strategy instance: module required")
	}
	rt := goja.New()
	export, err := runModule(rt, module.Program)
	if err != nil {
		return nil, fmt.Errorf("strategy instance: execute %s: %w", module.Path, err)
	}
	inst := &instance{
		rt:     rt,
		export: export,
		queue:  make(chan func(*goja.Runtime)),
		wg:     sync.WaitGroup{},
		mu:     sync.RWMutex{},
		closed: false,
		once:   sync.Once{},
	}
	inst.wg.Add(1)
	go inst.loop()
	return inst, nil
}

func (i *instance) loop() {
	defer i.wg.Done()
	for fn := range i.queue {
		fn(i.rt)
	}
}

// execute runs fn on the instance goroutine and waits for its result.
func (i *instance) execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	if fn == nil {
		return nil, fmt.Errorf("strategy instance: callback required")
	}
	wait := make(chan callResult, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, fmt.Errorf("strategy instance: closed")
	}
	i.queue <- func(rt *goja.Runtime) {
		defer func() {
			if rec := recover(); rec != nil {
				wait <- callResult{value: nil, err: fmt.Errorf("strategy instance: uncaught throw: %v", rec)}
			}
		}()
		val, err := fn(rt, i.export)
		wait <- callResult{value: val, err: err}
	}
	i.mu.RUnlock()

	outcome := <-wait
	return outcome.value, outcome.err
}

// call invokes the named export with the provided arguments. A missing export
// returns (nil, nil): the contract hooks are all optional in JS modules.
func (i *instance) call(function string, args ...any) (goja.Value, error) {
	return i.execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		value := exports.Get(function)
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, nil
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("strategy instance: export %q not callable", function)
		}
		params := make([]goja.Value, len(args))
		for idx, arg := range args {
			params[idx] = rt.ToValue(arg)
		}
		return callable(goja.Undefined(), params...)
	})
}

func (i *instance) close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}
