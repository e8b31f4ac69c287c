package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/internal/logger"
	"github.com/dcqueue/qengine/pkg/qerrors"
	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/scheduler"
	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/dcqueue/qengine/pkg/tth"
	"github.com/dcqueue/qengine/pkg/ubn"
	"github.com/dcqueue/qengine/pkg/wire/zpipe"
)

// leafSize is the wire size of one tiger-tree leaf hash (§4.7 endData
// TREE branch).
const leafSize = 24

// FileOpener abstracts opening a queued file's temp target for
// writing at an offset, so the engine is testable without touching
// disk. Production wiring supplies an *os.File-backed implementation.
type FileOpener interface {
	// OpenAt opens path for writing starting at offset, creating it
	// (and any parent directories) if necessary.
	OpenAt(path string, offset int64) (io.WriteCloser, error)
}

// SlowSourcePolicy gathers the thresholds governing the slow-source
// overlap and disconnect behaviour referenced by §4.6.
type SlowSourcePolicy struct {
	// RemoveSpeed is the bytes/sec floor below which a source is
	// eligible for the overlap/disconnect rule.
	RemoveSpeed int64
	// MinRunSeconds is how long a download must have run before its
	// speed is judged against RemoveSpeed.
	MinRunSeconds float64
}

// DefaultSlowSourcePolicy returns conservative defaults.
func DefaultSlowSourcePolicy() SlowSourcePolicy {
	return SlowSourcePolicy{RemoveSpeed: 1024, MinRunSeconds: 20}
}

// Engine drives the per-connection transfer state machine (§4.7): it
// turns a scheduler.Download plus an opened wire stream into committed
// file bytes or a verified tiger tree, adapted from dittofs's
// TransferManager download/upload loop.
type Engine struct {
	ctx    *corectx.Context
	sched  *scheduler.Scheduler
	policy SlowSourcePolicy
	opener FileOpener
	ubn    *ubn.Publisher // optional; nil keeps sessions untracked for UBN purposes

	// sf collapses concurrent tree-hash requests for the same TTH
	// into a single in-flight fetch, replacing a hand-rolled
	// broadcast-channel dedup with the stdlib-adjacent primitive.
	sf singleflight.Group

	mu       sync.Mutex
	sessions map[queue.DownloadHandle]*session
}

type session struct {
	conn *UserConnection
	dl   *scheduler.Download
}

// New constructs an Engine bound to ctx and sched, opening temp target
// files via opener.
func New(ctx *corectx.Context, sched *scheduler.Scheduler, policy SlowSourcePolicy, opener FileOpener) *Engine {
	return &Engine{
		ctx:      ctx,
		sched:    sched,
		policy:   policy,
		opener:   opener,
		sessions: make(map[queue.DownloadHandle]*session),
	}
}

// WithUBNPublisher attaches the upload-bundle-notification publisher
// that StartConnection/FinishConnection keep informed of this
// engine's per-bundle source membership. A nil publisher (the
// default) disables UBN/UBD entirely.
func (e *Engine) WithUBNPublisher(p *ubn.Publisher) *Engine {
	e.ubn = p
	return e
}

func (e *Engine) track(conn *UserConnection, dl *scheduler.Download) {
	e.mu.Lock()
	e.sessions[dl.Handle] = &session{conn: conn, dl: dl}
	e.mu.Unlock()

	if e.ubn != nil {
		if b := e.ctx.Bundles.FindBundleByToken(dl.File.BundleToken); b != nil {
			e.ubn.StartConnection(context.Background(), b, conn.Token, dl.User)
		}
	}
}

func (e *Engine) untrack(h queue.DownloadHandle) {
	e.mu.Lock()
	sess, ok := e.sessions[h]
	delete(e.sessions, h)
	e.mu.Unlock()

	if ok && e.ubn != nil {
		if b := e.ctx.Bundles.FindBundleByToken(sess.dl.File.BundleToken); b != nil {
			e.ubn.FinishConnection(context.Background(), b, sess.conn.Token, sess.dl.User)
		}
	}
}

// RunDownload consumes the wire reply for dl's segment from raw,
// framed according to zl1, and validates declaredBytes (the length
// announced by the peer's SND reply; -1 when the peer did not declare
// a length) against the requested segment before reading any payload
// (§4.7: "validate SND against the outstanding GET before accepting
// any bytes"). It dispatches to the tree or file completion path
// depending on dl.Type, and always retires dl from the scheduler
// before returning, whether it succeeded or failed.
func (e *Engine) RunDownload(ctx context.Context, dl *scheduler.Download, conn *UserConnection, raw io.Reader, declaredBytes int64, zl1 bool) error {
	defer e.sched.Retire(dl)
	e.track(conn, dl)
	defer e.untrack(dl.Handle)

	if declaredBytes >= 0 && declaredBytes != dl.Segment.Size {
		conn.Transition(StateFailed)
		return qerrors.ErrSegmentMismatch
	}

	conn.Transition(StateSnd)
	body, err := zpipe.Open(raw, zl1)
	if err != nil {
		conn.Transition(StateFailed)
		return fmt.Errorf("transfer: open stream: %w", err)
	}
	defer body.Close()

	conn.Transition(StateRunning)

	var runErr error
	switch dl.Type {
	case queue.DownloadTypeTree:
		runErr = e.runTreeDownload(ctx, dl, conn, body)
	default:
		runErr = e.runFileDownload(ctx, dl, conn, body)
	}

	if runErr != nil {
		conn.Transition(StateFailed)
		return runErr
	}
	conn.Transition(StateIdle)
	return nil
}

// runTreeDownload reads a full tiger-tree leaf stream, verifies it
// against dl.File.TTH, and either publishes it or marks the source
// BAD_TREE (§4.7 endData TREE branch). Concurrent tree downloads for
// the same TTH started by different connections are collapsed via
// singleflight so only one verification happens.
func (e *Engine) runTreeDownload(ctx context.Context, dl *scheduler.Download, conn *UserConnection, body io.Reader) error {
	leaves, readErr := readLeaves(body, dl.Segment.Size)

	key := dl.File.TTH.String()
	_, err, _ := e.sf.Do(key, func() (interface{}, error) {
		if readErr != nil {
			return nil, readErr
		}
		if e.ctx.Collaborators.HashStore == nil {
			return nil, nil
		}
		if !e.ctx.Collaborators.HashStore.VerifyRoot(ctx, dl.File.TTH, leaves) {
			return nil, qerrors.ErrTreeMismatch
		}
		if pubErr := e.ctx.Collaborators.HashStore.Publish(ctx, dl.File.TTH, leaves); pubErr != nil {
			return nil, pubErr
		}
		return nil, nil
	})

	if err != nil {
		if err == qerrors.ErrTreeMismatch {
			dl.File.MarkSourceBad(dl.User, queue.SourceFlagBadTree)
		}
		return err
	}

	dl.File.SetHashed()
	return nil
}

// readLeaves reads the tree stream to EOF and splits it into
// individual 24-byte leaf hashes, failing if its length is not a
// multiple of leafSize. declaredSize does not bound the read.
func readLeaves(body io.Reader, declaredSize int64) ([][]byte, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("transfer: read tree: %w", err)
	}
	if len(buf)%leafSize != 0 {
		return nil, qerrors.ErrTreeMismatch
	}
	n := len(buf) / leafSize
	leaves := make([][]byte, n)
	for i := 0; i < n; i++ {
		leaves[i] = buf[i*leafSize : (i+1)*leafSize]
	}
	return leaves, nil
}

// runFileDownload streams a file segment to the temp target,
// recalibrating conn's chunk estimate from observed throughput and
// committing the segment on success (§4.7 endData FILE branch).
func (e *Engine) runFileDownload(ctx context.Context, dl *scheduler.Download, conn *UserConnection, body io.Reader) error {
	dst, err := e.opener.OpenAt(dl.File.TempPath, dl.Segment.Start)
	if err != nil {
		return fmt.Errorf("transfer: open temp target: %w", err)
	}
	defer dst.Close()

	counter := &countingReader{r: body}
	start := corectx.Now()

	limited := io.LimitReader(counter, dl.Segment.Size)
	written, copyErr := io.Copy(dst, limited)
	elapsed := corectx.Now().Sub(start)

	committed := alignDownToBlock(written, dl.File.BlockSize)
	if committed > 0 {
		seg := segment.New(dl.Segment.Start, committed)
		if finished := dl.File.CommitSegment(seg, corectx.Now()); finished {
			e.ctx.Fire(corectx.Event{Kind: corectx.EventFileFinished, FileToken: dl.File.Token, User: dl.User})
		}
	}
	conn.RecalibrateChunk(written, elapsed)

	if copyErr != nil {
		logger.Warn("transfer: segment copy failed", "user", dl.User, "token", dl.File.Token, "err", copyErr)
		return fmt.Errorf("transfer: %w: %v", qerrors.ErrTransportFailed, copyErr)
	}
	if written != dl.Segment.Size {
		return qerrors.ErrTransportFailed
	}
	return nil
}

// alignDownToBlock rounds written down to the nearest multiple of
// blockSize, so a partial final block is not prematurely marked done
// (§7 ErrTransportFailed recovery: "completed prefix... rounded down
// to a block boundary").
func alignDownToBlock(written, blockSize int64) int64 {
	if blockSize <= 0 || written <= 0 {
		if written < 0 {
			return 0
		}
		return written
	}
	return (written / blockSize) * blockSize
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// EvaluateSlowSource reports whether dl's observed throughput has
// fallen below the configured floor for long enough to be disconnect
// (or overlap-) eligible (§4.6).
func (e *Engine) EvaluateSlowSource(dl *scheduler.Download) bool {
	elapsed := corectx.Now().Sub(dl.StartedAt).Seconds()
	if elapsed < e.policy.MinRunSeconds {
		return false
	}
	if elapsed <= 0 {
		return false
	}
	speed := int64(float64(dl.Pos) / elapsed)
	return speed < e.policy.RemoveSpeed
}

// AutoDisconnectMode selects how much of a slow source's presence is
// dropped once EvaluateSlowSource flags it (§4.7 SLOWUSER,
// DL_AUTO_DISCONNECT_MODE).
type AutoDisconnectMode int8

const (
	AutoDisconnectFile AutoDisconnectMode = iota
	AutoDisconnectBundle
	AutoDisconnectAll
)

// ParseAutoDisconnectMode maps the configuration string (FILE, BUNDLE,
// ALL) to a mode, defaulting to AutoDisconnectFile for anything else.
func ParseAutoDisconnectMode(s string) AutoDisconnectMode {
	switch s {
	case "BUNDLE":
		return AutoDisconnectBundle
	case "ALL":
		return AutoDisconnectAll
	default:
		return AutoDisconnectFile
	}
}

// CheckSlowSources scans every session currently tracked by the engine
// and applies mode's disconnect scope to any whose source has fallen
// below the configured throughput floor for long enough, provided the
// bundle has at least 2 online users (§4.7: a source is never dropped
// down to zero by this policy alone).
func (e *Engine) CheckSlowSources(mode AutoDisconnectMode) {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if !e.EvaluateSlowSource(s.dl) {
			continue
		}
		b := e.ctx.Bundles.FindBundleByToken(s.dl.File.BundleToken)
		if b != nil && b.RunningUserCount() < 2 {
			continue
		}
		s.conn.Transition(StateFailed)
		e.applyAutoDisconnect(mode, s.dl)
	}
}

// applyAutoDisconnect drops dl.User as a source from one file, every
// file in dl's bundle, or every file in dl's bundle except where it is
// the sole remaining source (ALL mode; §9 open question: "single
// source" is read at this, the disconnect-eligibility moment, not at
// connection start).
func (e *Engine) applyAutoDisconnect(mode AutoDisconnectMode, dl *scheduler.Download) {
	if mode == AutoDisconnectFile {
		dl.File.RemoveSource(dl.User)
		return
	}

	b := e.ctx.Bundles.FindBundleByToken(dl.File.BundleToken)
	if b == nil {
		dl.File.RemoveSource(dl.User)
		return
	}
	for _, token := range b.FileTokens() {
		f := e.ctx.Files.FindByToken(token)
		if f == nil {
			continue
		}
		if _, hasSrc := f.GetSource(dl.User); !hasSrc {
			continue
		}
		if mode == AutoDisconnectAll && f.SourceCount() <= 1 {
			continue
		}
		f.RemoveSource(dl.User)
	}
}
