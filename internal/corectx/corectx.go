// Package corectx implements the CoreContext coordinator (§9 Design
// Notes: "Global state -> explicit coordinator"). Every other core
// package (scheduler, transfer, partial, ubn, autoprio, search,
// persist) takes a *Context rather than reaching for package-level
// singletons. Context owns the single primary reader-writer lock
// guarding the file/bundle/user indexes (§5) and the background task
// queue used to break lock-reentrancy cycles.
package corectx

import (
	"sync"
	"time"

	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/taskqueue"
)

// Context is the coordinator every core component is constructed
// with. It owns the indexes and the background task queue; it does
// not itself know about sockets, disk, or UI — those are reached only
// through the Collaborators interfaces below.
type Context struct {
	// mu is the single primary reader-writer lock guarding Files,
	// Bundles, and Users (§5). Live-connection state uses its own
	// per-connection locking and must never acquire mu while holding
	// a connection lock.
	mu sync.RWMutex

	Files   *queue.FileQueue
	Bundles *queue.BundleQueue
	Users   *queue.UserQueue

	Tasks *taskqueue.Queue

	events *eventBus

	Collaborators Collaborators
}

// New constructs a Context with fresh indexes, wired to the given
// external collaborators.
func New(collab Collaborators) *Context {
	files := queue.NewFileQueue()
	return &Context{
		Files:         files,
		Bundles:       queue.NewBundleQueue(),
		Users:         queue.NewUserQueue(files),
		Tasks:         taskqueue.New(taskqueue.DefaultConfig()),
		events:        newEventBus(),
		Collaborators: collab,
	}
}

// Lock acquires the primary write lock. Callers must pair with Unlock
// and must not call back into a Collaborator while holding it;
// instead, enqueue a Task via Tasks.Enqueue to run after Unlock.
func (c *Context) Lock()    { c.mu.Lock() }
func (c *Context) Unlock()  { c.mu.Unlock() }
func (c *Context) RLock()   { c.mu.RLock() }
func (c *Context) RUnlock() { c.mu.RUnlock() }

// Events returns the context's listener registry.
func (c *Context) Events() *eventBus { return c.events }

// Now is overridden in tests that need deterministic time; production
// code should call this rather than time.Now() directly so scheduling
// logic stays testable.
var Now = time.Now
