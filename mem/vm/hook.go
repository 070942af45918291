package vm

import "sync"

// HookPos names a point in the paging system where hooks are invoked.
type HookPos struct {
	Name string
}

// Hook positions. Item is always a PageID. Detail is position specific.
var (
	// HookPosPageFault triggers when a fault is classified. Detail is the
	// FaultKind.
	HookPosPageFault = &HookPos{Name: "PageFault"}

	// HookPosPageLoaded triggers when a page is installed.
	HookPosPageLoaded = &HookPos{Name: "PageLoaded"}

	// HookPosFrameEvicted triggers when a frame is reclaimed from its page.
	HookPosFrameEvicted = &HookPos{Name: "FrameEvicted"}

	// HookPosSwapOut triggers when a page is written to swap. Detail is the
	// slot.
	HookPosSwapOut = &HookPos{Name: "SwapOut"}

	// HookPosSwapIn triggers when a page is read from swap. Detail is the
	// slot.
	HookPosSwapIn = &HookPos{Name: "SwapIn"}

	// HookPosWriteBack triggers when a dirty file-backed page is written to
	// its file.
	HookPosWriteBack = &HookPos{Name: "WriteBack"}

	// HookPosProcessKilled triggers when a fault terminates a process.
	// Detail is the error.
	HookPosProcessKilled = &HookPos{Name: "ProcessKilled"}
)

// FaultKind is how a fault was classified.
type FaultKind string

// The outcomes of fault classification.
const (
	FaultReject    FaultKind = "reject"
	FaultFirstLoad FaultKind = "first-load"
	FaultSwapIn    FaultKind = "swap-in"
	FaultSpurious  FaultKind = "spurious"
)

// HookCtx holds the information about the site where a hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   PageID
	Detail any
}

// Hookable is an object that accepts hooks.
type Hookable interface {
	AcceptHook(hook Hook)
}

// A Hook is invoked by a Hookable object.
type Hook interface {
	Func(ctx HookCtx)
}

// HookableBase implements Hookable. Hooks may be invoked from several
// goroutines at once.
type HookableBase struct {
	lock  sync.RWMutex
	hooks []Hook
}

// AcceptHook registers a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.hooks = append(h.hooks, hook)
}

// NumHooks returns the number of registered hooks.
func (h *HookableBase) NumHooks() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.hooks)
}

// InvokeHook triggers the registered hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
