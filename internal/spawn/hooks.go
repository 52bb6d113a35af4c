package spawn

import "sync"

var hooks = struct {
	sync.RWMutex
	m map[string]func() error
}{m: make(map[string]func() error)}

// RegisterHook makes fn available as a post-fork hook under name. A
// closure cannot cross the exec into the child-setup process, so hooks are
// looked up by name there; register them from an init function so that
// both the parent and the child-setup process see the same table.
func RegisterHook(name string, fn func() error) {
	hooks.Lock()
	defer hooks.Unlock()
	hooks.m[name] = fn
}

func lookupHook(name string) (func() error, bool) {
	hooks.RLock()
	defer hooks.RUnlock()
	fn, ok := hooks.m[name]
	return fn, ok
}

func hookRegistered(name string) bool {
	_, ok := lookupHook(name)
	return ok
}
