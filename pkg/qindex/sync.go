package qindex

import (
	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/internal/logger"
	"github.com/dcqueue/qengine/pkg/queue"
)

// Rebuild repopulates idx from every file currently held by files.
// Entries idx already had for tokens that files no longer holds are
// left in place. Called once after a queue snapshot load, since Load reconstructs the
// in-memory queue without going through the event bus idx otherwise
// listens on.
func Rebuild(idx *Index, files *queue.FileQueue) error {
	for _, f := range files.All() {
		if err := idx.Put(f.Token, f.Path, f.TTH); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe keeps idx in step with future queue mutations: a finished
// file's final path and hash are (re-)recorded so partial-file-sharing
// lookups by token or TTH see it immediately, without waiting for the
// next Rebuild.
func Subscribe(ctx *corectx.Context, idx *Index, files *queue.FileQueue) {
	ctx.Subscribe(func(ev corectx.Event) {
		if ev.Kind != corectx.EventFileFinished {
			return
		}
		f := files.FindByToken(ev.FileToken)
		if f == nil {
			return
		}
		if err := idx.Put(f.Token, f.Path, f.TTH); err != nil {
			logger.Warn("local index update failed", "token", f.Token, "error", err)
		}
	})
}
