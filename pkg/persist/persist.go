// Package persist implements queue persistence (§4.12, §6.4): one
// XML file per bundle under a state directory, written atomically
// (temp file + rename) every DefaultSaveInterval, and reloaded in
// parallel at startup.
package persist

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/internal/logger"
	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/dcqueue/qengine/pkg/tth"
)

// SchemaVersion is written to every saved bundle file; Load rejects
// any file carrying a version it doesn't recognize.
const SchemaVersion = 1

// DefaultSaveInterval is how often dirty bundles are flushed to disk.
const DefaultSaveInterval = 10 * time.Second

type xmlSegment struct {
	Start  int64 `xml:"Start,attr"`
	Length int64 `xml:"Length,attr"`
}

type xmlSource struct {
	User string `xml:"User,attr"`
}

type xmlDownload struct {
	Token        uint32       `xml:"Token,attr"`
	Path         string       `xml:"Path,attr"`
	TempPath     string       `xml:"TempPath,attr"`
	Size         int64        `xml:"Size,attr"`
	TTH          string       `xml:"TTH,attr"`
	Priority     int8         `xml:"Priority,attr"`
	AutoPriority bool         `xml:"AutoPriority,attr"`
	Flags        uint32       `xml:"Flags,attr"`
	Segments     []xmlSegment `xml:"Finished>Segment"`
	Sources      []xmlSource  `xml:"Source"`
}

type xmlBundle struct {
	XMLName           xml.Name      `xml:"Bundle"`
	Version           int           `xml:"Version,attr"`
	Token             uint32        `xml:"Token,attr"`
	Target            string        `xml:"Target,attr"`
	Name              string        `xml:"Name,attr"`
	Added             int64         `xml:"Added,attr"`
	Date              int64         `xml:"Date,attr"`
	Priority          int8          `xml:"Priority,attr"`
	AutoPriority      bool          `xml:"AutoPriority,attr"`
	AddedByAutoSearch bool          `xml:"AddedByAutoSearch,attr"`
	ResumeTime        int64         `xml:"ResumeTime,attr"`
	TimeFinished      int64         `xml:"TimeFinished,attr"`
	IsFile            bool          `xml:"IsFile,attr"`
	Downloads         []xmlDownload `xml:"Download"`
}

// Engine tracks which bundles have changed since their last save and
// periodically flushes them to disk under Dir.
type Engine struct {
	ctx *corectx.Context
	dir string

	mu    sync.Mutex
	dirty map[uint32]struct{}
}

// New constructs a persistence Engine rooted at dir and subscribes it
// to ctx's event bus so mutating events mark their bundle dirty.
func New(ctx *corectx.Context, dir string) *Engine {
	e := &Engine{ctx: ctx, dir: dir, dirty: make(map[uint32]struct{})}
	ctx.Subscribe(e.onEvent)
	return e
}

func (e *Engine) onEvent(ev corectx.Event) {
	switch ev.Kind {
	case corectx.EventBundleStatusChanged, corectx.EventBundleFinished, corectx.EventPriorityChanged, corectx.EventFileFinished, corectx.EventSourceRemoved:
		if ev.BundleToken != 0 {
			e.MarkDirty(ev.BundleToken)
		}
	}
}

// MarkDirty flags a bundle for the next SaveDirty sweep.
func (e *Engine) MarkDirty(token uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty[token] = struct{}{}
}

// SaveDirty writes every dirty bundle to disk and clears the dirty
// set. Returns the number of bundles written.
func (e *Engine) SaveDirty() (int, error) {
	e.mu.Lock()
	tokens := make([]uint32, 0, len(e.dirty))
	for t := range e.dirty {
		tokens = append(tokens, t)
	}
	e.dirty = make(map[uint32]struct{})
	e.mu.Unlock()

	var firstErr error
	n := 0
	for _, token := range tokens {
		b := e.ctx.Bundles.FindBundleByToken(token)
		if b == nil {
			continue
		}
		if err := e.SaveBundle(b); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// Run flushes dirty bundles every DefaultSaveInterval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(DefaultSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.SaveDirty()
		}
	}
}

// SaveBundle atomically writes one bundle's full state (its files,
// finished segments, and sources) to Dir/Bundle<token>.xml.
func (e *Engine) SaveBundle(b *queue.Bundle) error {
	doc := toXML(b, e.ctx.Files)

	out, err := marshalDoc(doc)
	if err != nil {
		return fmt.Errorf("persist: marshal bundle %d: %w", b.Token, err)
	}

	final := bundlePath(e.dir, b.Token)
	tmp := final + ".tmp"
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("persist: mkdir state dir: %w", err)
	}
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("persist: rename into place: %w", err)
	}
	return nil
}

func bundlePath(dir string, token uint32) string {
	return filepath.Join(dir, fmt.Sprintf("Bundle%d.xml", token))
}

// marshalDoc renders a bundle document to its on-disk XML form.
func marshalDoc(doc any) ([]byte, error) {
	return xml.MarshalIndent(doc, "", "  ")
}

func toXML(b *queue.Bundle, files *queue.FileQueue) xmlBundle {
	doc := xmlBundle{
		Version:           SchemaVersion,
		Token:             b.Token,
		Target:            b.Target,
		Name:              b.Name,
		Added:             b.Added.UnixNano(),
		Date:              b.Date.UnixNano(),
		Priority:          int8(b.Priority),
		AutoPriority:      b.AutoPriority,
		AddedByAutoSearch: b.Flags.Has(queue.BundleFlagScheduleSearch),
		ResumeTime:        timeOrZero(b.ResumeTime),
		IsFile:            b.IsFile,
	}
	for _, token := range b.FileTokens() {
		f := files.FindByToken(token)
		if f == nil {
			continue
		}
		dl := xmlDownload{
			Token:        f.Token,
			Path:         f.Path,
			TempPath:     f.TempPath,
			Size:         f.Size,
			TTH:          f.TTH.String(),
			Priority:     int8(f.Priority),
			AutoPriority: f.AutoPriority,
			Flags:        uint32(f.Flags),
		}
		for _, seg := range f.Done() {
			dl.Segments = append(dl.Segments, xmlSegment{Start: seg.Start, Length: seg.Size})
		}
		for user := range f.Sources {
			dl.Sources = append(dl.Sources, xmlSource{User: user})
		}
		if f.IsFinished() {
			doc.TimeFinished = f.Finished.UnixNano()
		}
		doc.Downloads = append(doc.Downloads, dl)
	}
	return doc
}

func timeOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Load scans dir for Bundle*.xml files, parses them in parallel, and
// reconstructs bundles, files, finished segments, and sources into
// ctx. A file that cannot be read or parsed, or that carries an
// unknown schema version, is logged and skipped. Bundles whose
// per-bundle invariants fail (duplicate token, no files, a path
// outside the bundle root) are skipped and reported in the returned
// error. Neither aborts the rest of the load.
func Load(ctx *corectx.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("persist: read state dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	parsed := make([]*xmlBundle, len(paths))
	g, _ := errgroup.WithContext(context.Background())
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			doc, err := parseBundleFile(p)
			if err != nil {
				logger.Warn("skipping unreadable bundle file", "path", p, "error", err)
				return nil
			}
			parsed[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	loaded := 0
	var loadErrs []error
	for _, doc := range parsed {
		if doc == nil {
			continue
		}
		if err := loadBundle(ctx, doc); err != nil {
			loadErrs = append(loadErrs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(loadErrs...)
}

func parseBundleFile(path string) (*xmlBundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc xmlBundle
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", doc.Version)
	}
	return &doc, nil
}

func loadBundle(ctx *corectx.Context, doc *xmlBundle) error {
	if len(doc.Downloads) == 0 {
		return fmt.Errorf("persist: bundle %d has no files", doc.Token)
	}
	if ctx.Bundles.FindBundleByToken(doc.Token) != nil {
		return fmt.Errorf("persist: duplicate bundle token %d", doc.Token)
	}

	b := queue.NewBundle(doc.Token, doc.Target, doc.Name, time.Unix(0, doc.Added), doc.IsFile)
	b.Date = time.Unix(0, doc.Date)
	b.Priority = queue.Priority(doc.Priority)
	b.AutoPriority = doc.AutoPriority
	if doc.AddedByAutoSearch {
		b.Flags |= queue.BundleFlagScheduleSearch
	}
	if doc.ResumeTime != 0 {
		b.ResumeTime = time.Unix(0, doc.ResumeTime)
	}

	for _, dl := range doc.Downloads {
		if !strings.HasPrefix(dl.Path, doc.Target) && !doc.IsFile {
			return fmt.Errorf("persist: file %q outside bundle root %q", dl.Path, doc.Target)
		}
		t, err := tth.Parse(dl.TTH)
		if err != nil {
			return fmt.Errorf("persist: file %q: %w", dl.Path, err)
		}
		f, _ := ctx.Files.Add(dl.Path, dl.TempPath, dl.Size, queue.Flag(dl.Flags), queue.Priority(dl.Priority), doc.Date, t)
		if f == nil {
			f = ctx.Files.FindByToken(dl.Token)
		}
		if f == nil {
			return fmt.Errorf("persist: could not reconstruct file %q", dl.Path)
		}
		f.AutoPriority = dl.AutoPriority
		for _, s := range dl.Segments {
			f.CommitSegment(segment.New(s.Start, s.Length), time.Unix(0, doc.TimeFinished))
		}
		for _, src := range dl.Sources {
			_, _ = f.AddSource(src.User)
		}
		ctx.Bundles.AddBundleItem(f, b)
	}

	if err := ctx.Bundles.AddBundle(b); err != nil {
		return fmt.Errorf("persist: add bundle %d: %w", doc.Token, err)
	}
	return nil
}
