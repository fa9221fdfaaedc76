package realtime

import (
	"context"
	"log/slog"

	v1 "texter/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

// PresenceEvent announces that a user came online or went offline.
type PresenceEvent struct {
	UserID int64
	Status string // v1.StatusOnline or v1.StatusOffline
}

// BroadcastResult summarizes one fan-out sweep.
type BroadcastResult struct {
	Attempted int
	Delivered int
	Pruned    []int64
}

// PresenceMirror publishes presence outside the process. Failures never affect delivery.
type PresenceMirror interface {
	MarkOnline(ctx context.Context, userID int64) error
	MarkOffline(ctx context.Context, userID int64) error
}

// Broadcaster fans presence events out to every registered channel.
type Broadcaster struct {
	log      *slog.Logger
	registry *Registry
	mirror   PresenceMirror
	metrics  *Metrics
}

// NewBroadcaster constructs a Broadcaster. mirror and metrics may be nil.
func NewBroadcaster(log *slog.Logger, registry *Registry, mirror PresenceMirror, metrics *Metrics) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{log: log, registry: registry, mirror: mirror, metrics: metrics}
}

// Broadcast sends ev to a snapshot of the registry.
//
// An offline event for a user present in the snapshot is stale (the user
// reconnected) and is dropped without touching peers or the mirror.
// Channels whose send fails are released from the registry and closed after the sweep.
// Individual failures are logged, never returned.
func (b *Broadcaster) Broadcast(ctx context.Context, ev PresenceEvent) BroadcastResult {
	frame, err := encodePresence(ev)
	if err != nil {
		b.log.Error("presence.encode.fail", "user_id", ev.UserID, "err", err)
		return BroadcastResult{}
	}

	snap := b.registry.Snapshot()
	if ev.Status == v1.StatusOffline && lo.ContainsBy(snap, func(e Entry) bool { return e.UserID == ev.UserID }) {
		b.log.Debug("presence.offline.skip", "user_id", ev.UserID)
		return BroadcastResult{}
	}

	b.mirrorEvent(ctx, ev)

	res := BroadcastResult{Attempted: len(snap)}

	var failed []Entry
	for _, e := range snap {
		err := e.Channel.Send(frame)
		b.metrics.delivery(v1.TypePresence, err)
		if err != nil {
			b.log.Info("presence.send.fail", "user_id", e.UserID, "event_user_id", ev.UserID, "status", ev.Status, "err", err)
			failed = append(failed, e)
			continue
		}
		res.Delivered++
	}

	for _, e := range failed {
		if !b.registry.Release(e.UserID, e.Channel) {
			// Already replaced or removed by its own connection.
			continue
		}
		e.Channel.Close(websocket.StatusPolicyViolation, "slow consumer")
		res.Pruned = append(res.Pruned, e.UserID)
	}
	if len(res.Pruned) > 0 {
		b.metrics.prunedN(len(res.Pruned))
		b.log.Info("presence.prune", "user_ids", res.Pruned, "event_user_id", ev.UserID)
	}

	return res
}

func (b *Broadcaster) mirrorEvent(ctx context.Context, ev PresenceEvent) {
	if b.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceMirrorTimeout)
	defer cancel()

	var err error
	if ev.Status == v1.StatusOnline {
		err = b.mirror.MarkOnline(ctx, ev.UserID)
	} else {
		if _, back := b.registry.Lookup(ev.UserID); back {
			return
		}
		err = b.mirror.MarkOffline(ctx, ev.UserID)
	}
	if err != nil {
		b.log.Warn("presence.mirror.fail", "user_id", ev.UserID, "status", ev.Status, "err", err)
	}
}
