// Package ubn implements the UBN/UBD upload-bundle-notification
// publisher (§4.9, §6.3): it tracks, per bundle, which remote
// uploaders are actively serving it and keeps them informed of mode
// switches, progress, and completion over UDP.
package ubn

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
)

// Mode is the UBN upload mode: single-uploader or multi-uploader.
type Mode int8

const (
	ModeSingle Mode = iota
	ModeMulti
)

// state is the publisher's per-bundle bookkeeping, independent of
// Bundle.RunningUsers (which only tracks connection membership): it
// remembers the last reported speed/percent so periodic ticks can
// decide whether a deviation is large enough to re-report.
type state struct {
	mode           Mode
	lastSpeed      int64
	lastDownloaded int64
	size           int64
}

// Publisher maintains UBN/UBD state for every bundle with at least one
// remote uploader and dispatches outgoing UDP sends through the
// background task queue (§4.9: "never inside a listener lock").
type Publisher struct {
	ctx *corectx.Context

	mu     sync.Mutex
	states map[uint32]*state
}

// New constructs a Publisher bound to ctx.
func New(ctx *corectx.Context) *Publisher {
	return &Publisher{ctx: ctx, states: make(map[uint32]*state)}
}

// StartConnection registers user as actively transferring bundle over
// connToken (§4.9 "Starting a bundle download from user U on
// connection T"). It sends AD1 for a brand new uploader, CH1 for an
// additional connection from an already-known uploader, and a mode
// switch to MU when the bundle gains its second distinct user.
func (p *Publisher) StartConnection(ctx context.Context, b *queue.Bundle, connToken, user string) {
	newUser := b.AddRunningUser(user, connToken)

	p.mu.Lock()
	st, ok := p.states[b.Token]
	if !ok {
		st = &state{mode: ModeSingle, size: b.Size}
		p.states[b.Token] = st
	}
	p.mu.Unlock()

	if newUser && b.RunningUserCount() == 1 {
		p.send(ctx, user, fmt.Sprintf("UBD BU%d NA%s SI%d DL%d SU1 AD1", b.Token, b.Name, b.Size, b.DownloadedBytes))
		return
	}

	if newUser {
		p.mu.Lock()
		st.mode = ModeMulti
		p.mu.Unlock()
		p.broadcastModeSwitch(ctx, b, ModeMulti, user)
		p.send(ctx, user, fmt.Sprintf("UBD BU%d NA%s SI%d DL%d MU1 AD1", b.Token, b.Name, b.Size, b.DownloadedBytes))
		return
	}

	p.send(ctx, user, fmt.Sprintf("UBD TO%s BU%d CH1", connToken, b.Token))
}

// FinishConnection unlinks connToken from b (§4.9 "Connection
// finishing or failing"). If the uploader's last connection drops and
// exactly one uploader remains, the bundle collapses back to SU and a
// progress update is sent to the survivor.
func (p *Publisher) FinishConnection(ctx context.Context, b *queue.Bundle, connToken, user string) {
	p.send(ctx, user, fmt.Sprintf("UBD TO%s RM1", connToken))

	remaining, userRemoved := b.RemoveRunningConn(user, connToken)
	if !userRemoved {
		return
	}
	if remaining == 1 {
		p.mu.Lock()
		st, ok := p.states[b.Token]
		if ok {
			st.mode = ModeSingle
		}
		p.mu.Unlock()
		for survivor := range b.RunningUserList() {
			p.send(ctx, survivor, fmt.Sprintf("UBD BU%d UD1 SU1 DL%d", b.Token, b.DownloadedBytes))
		}
	}
	if remaining == 0 {
		p.mu.Lock()
		delete(p.states, b.Token)
		p.mu.Unlock()
	}
}

// Finish announces b as finished to every uploader and drops all
// publisher state for it (§4.9 "Bundle finished"), implementing the
// FI1 step of S5.
func (p *Publisher) Finish(ctx context.Context, b *queue.Bundle) {
	for user := range b.RunningUserList() {
		p.send(ctx, user, fmt.Sprintf("UBD BU%d FI1", b.Token))
	}
	p.mu.Lock()
	delete(p.states, b.Token)
	p.mu.Unlock()
}

// SizeChanged notifies every uploader of a revised bundle size (§4.9
// "Bundle size changes").
func (p *Publisher) SizeChanged(ctx context.Context, b *queue.Bundle, newSize int64) {
	p.mu.Lock()
	if st, ok := p.states[b.Token]; ok {
		st.size = newSize
	}
	p.mu.Unlock()

	for user := range b.RunningUserList() {
		p.send(ctx, user, fmt.Sprintf("UBD BU%d UD1 SI%d", b.Token, newSize))
	}
}

// speedDeviationThreshold and percentDeviationThreshold gate the
// periodic tick's UBN sends (§4.9 "Periodic tick").
const (
	speedDeviationThreshold   = 0.10
	percentDeviationThreshold = 0.005
)

// Tick runs the periodic progress check for b (multi-uploader mode
// only): if speed has moved more than 10% from the last reported
// value, send DS=; if downloaded bytes moved more than 0.5% of size,
// send PE=.
func (p *Publisher) Tick(ctx context.Context, b *queue.Bundle, currentSpeed, downloaded int64) {
	p.mu.Lock()
	st, ok := p.states[b.Token]
	if !ok || st.mode != ModeMulti {
		p.mu.Unlock()
		return
	}
	speedChanged := deviates(st.lastSpeed, currentSpeed, speedDeviationThreshold)
	var percentChanged bool
	if st.size > 0 {
		percentChanged = math.Abs(float64(downloaded-st.lastDownloaded))/float64(st.size) > percentDeviationThreshold
	}
	if speedChanged {
		st.lastSpeed = currentSpeed
	}
	if percentChanged {
		st.lastDownloaded = downloaded
	}
	p.mu.Unlock()

	if !speedChanged && !percentChanged {
		return
	}

	msg := fmt.Sprintf("UBN BU%d", b.Token)
	if speedChanged {
		msg += " " + formatSpeed(currentSpeed)
	}
	if percentChanged && st.size > 0 {
		msg += fmt.Sprintf(" PE%.2f", 100*float64(downloaded)/float64(st.size))
	}
	for user := range b.RunningUserList() {
		p.send(ctx, user, msg)
	}
}

func deviates(prev, current int64, fraction float64) bool {
	if prev == 0 {
		return current != 0
	}
	delta := math.Abs(float64(current-prev)) / float64(prev)
	return delta > fraction
}

// formatSpeed renders bytes/sec with the b/k/m suffix used on the wire.
func formatSpeed(bytesPerSec int64) string {
	switch {
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("DS%dm", bytesPerSec/(1<<20))
	case bytesPerSec >= 1<<10:
		return fmt.Sprintf("DS%dk", bytesPerSec/(1<<10))
	default:
		return fmt.Sprintf("DS%db", bytesPerSec)
	}
}

func (p *Publisher) broadcastModeSwitch(ctx context.Context, b *queue.Bundle, mode Mode, exclude string) {
	tag := "SU1"
	if mode == ModeMulti {
		tag = "MU1"
	}
	for user := range b.RunningUserList() {
		if user == exclude {
			continue
		}
		p.send(ctx, user, fmt.Sprintf("UBD BU%d UD1 %s", b.Token, tag))
	}
}

// send dispatches a UDP payload to user's registered address through
// the background task queue so it never runs inside a caller's lock.
func (p *Publisher) send(ctx context.Context, user, payload string) {
	p.ctx.Tasks.Enqueue(func() {
		if p.ctx.Collaborators.UDP == nil {
			return
		}
		_ = p.ctx.Collaborators.UDP.SendUDP(ctx, user, []byte(payload))
	})
}
