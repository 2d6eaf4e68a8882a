// Package listener bridges the peer NotificationChannel to the local
// Scheduler's push flow: every jobSaved event from another instance
// becomes a lock-on-the-fly candidate here (spec §4.4 data flow,
// "peer Listener -> Scheduler lockOnTheFly").
package listener

import (
	"log/slog"
	"time"

	"github.com/distsched/agenda/internal/repository"
)

// LockRequest mirrors scheduler.LockRequest. Kept as its own type so
// this package doesn't need to import scheduler; the caller supplies a
// RequestLockOnTheFlyFunc adapter when wiring the two together.
type LockRequest struct {
	ID                string
	Name              string
	ExpectedNextRunAt time.Time
}

// RequestLockOnTheFlyFunc is typically
// (*scheduler.Scheduler).RequestLockOnTheFly, wrapped at the call site.
type RequestLockOnTheFlyFunc func(req LockRequest)

// Listener subscribes to a NotificationChannel and forwards jobSaved
// events into the local scheduler's push flow. jobCancelled events are
// logged only: the next poll naturally stops seeing a deleted row. A
// queued-but-not-yet-run copy is still dispatched; its final state save
// then fails with domain.ErrStaleJob, which the executor reports as an
// error event.
type Listener struct {
	channel     repository.NotificationChannel
	requestLock RequestLockOnTheFlyFunc
	logger      *slog.Logger

	unsubscribe repository.Unsubscribe
}

// New constructs a Listener bound to channel. Start must be called to
// begin receiving events.
func New(channel repository.NotificationChannel, requestLock RequestLockOnTheFlyFunc, logger *slog.Logger) *Listener {
	return &Listener{
		channel:     channel,
		requestLock: requestLock,
		logger:      logger.With("component", "listener"),
	}
}

// Start connects the channel (if not already connected) and subscribes
// to its event stream. Safe to call once per Listener.
func (l *Listener) Start() error {
	if l.channel.State() != repository.StateConnected {
		if err := l.channel.Connect(); err != nil {
			return err
		}
	}
	l.unsubscribe = l.channel.Subscribe(l.handle)
	return nil
}

// Stop unsubscribes from the channel. It does not disconnect the
// channel itself, since other listeners (e.g. the health checker) may
// still depend on it.
func (l *Listener) Stop() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

func (l *Listener) handle(ev repository.Event) {
	if ev.V != repository.WireVersion {
		l.logger.Warn("dropping notification with unknown wire version", "v", ev.V)
		return
	}

	switch ev.Type {
	case repository.EventJobSaved:
		if ev.NextRunAt == nil {
			return
		}
		at, err := time.Parse(time.RFC3339Nano, *ev.NextRunAt)
		if err != nil {
			l.logger.Warn("unparseable nextRunAt in notification", "id", ev.ID, "error", err)
			return
		}
		l.requestLock(LockRequest{ID: ev.ID, Name: ev.Name, ExpectedNextRunAt: at})
	case repository.EventJobCancelled:
		l.logger.Debug("peer cancelled job", "id", ev.ID, "name", ev.Name)
	default:
		l.logger.Warn("unknown notification event type", "type", ev.Type)
	}
}
