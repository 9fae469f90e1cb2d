// Package client provides the socket binder used by consumers of the
// breakdown-service API: one long-lived websocket connection that joins the
// caller's rooms and folds incoming lifecycle events into a local cache.
//
// The cache is a read-through convenience, eventually consistent with the
// server and never authoritative: every merge marks the entry stale, and the
// caller is expected to re-fetch the full entity (and the authoritative list
// periodically or on focus) as the correctness backstop for missed events.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"breakdown-service-backend/internal/model"
	"breakdown-service-backend/internal/realtime"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second

	// A connection that lived at least this long counts as healthy; the next
	// redial starts from the initial backoff again.
	stableConnection = 30 * time.Second
)

// CachedRequest is the partial, never-authoritative local view of a request.
type CachedRequest struct {
	ID             string
	Status         model.RequestStatus
	MechanicID     string
	EstimateAmount *float64
	// Stale is set on every partial merge; the full entity must be
	// re-fetched before the entry can be trusted beyond the merged fields.
	Stale bool
}

// Binder owns one websocket connection and the cache events are folded into.
// It is explicitly constructed and passed around; there is no shared global
// connection. Subscription registration is idempotent: Run replays the same
// join payload on every (re)connect.
type Binder struct {
	url  string
	join realtime.Join
	log  *logrus.Logger

	dialer *websocket.Dialer

	mu    sync.RWMutex
	cache map[string]*CachedRequest
}

// New creates a binder for the given websocket URL and join payload. The
// payload is cached for replay: room membership is not persisted server-side,
// so every reconnect must re-claim it.
func New(url string, join realtime.Join, log *logrus.Logger) *Binder {
	join.Type = "join"
	return &Binder{
		url:    url,
		join:   join,
		log:    log,
		dialer: websocket.DefaultDialer,
		cache:  make(map[string]*CachedRequest),
	}
}

// Run connects, joins, and folds events until ctx is cancelled, redialing
// with backoff on any connection failure.
func (b *Binder) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		start := time.Now()
		if err := b.runOnce(ctx); err != nil {
			b.log.Printf("socket connection lost: %v", err)
		}
		wait := nextBackoff(backoff, time.Since(start))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = wait * 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// nextBackoff picks the delay before the next dial: the accumulated backoff
// after a short-lived attempt, or the initial one again after a connection
// that held long enough to be considered healthy.
func nextBackoff(accumulated, connectedFor time.Duration) time.Duration {
	if connectedFor >= stableConnection {
		return initialBackoff
	}
	return accumulated
}

func (b *Binder) runOnce(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(b.join); err != nil {
		return err
	}

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		b.fold(msg)
	}
}

// fold applies one event's minimal payload to the cache. Unknown events are
// ignored so that server-side additions never break older clients.
func (b *Binder) fold(msg realtime.Message) {
	id, _ := msg.Data["id"].(string)
	if id == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.cache[id]
	if entry == nil {
		entry = &CachedRequest{ID: id}
		b.cache[id] = entry
	}
	entry.Stale = true

	switch msg.Event {
	case realtime.EventCreated, realtime.EventNoteAdded:
		// Stub only; full data (and note bodies, via the timeline API) are
		// fetched on demand.
	case realtime.EventAccepted, realtime.EventRejected, realtime.EventStatusChanged:
		if status, ok := msg.Data["status"].(string); ok {
			entry.Status = model.RequestStatus(status)
		}
	case realtime.EventMechanicAssigned:
		if mechanicID, ok := msg.Data["mechanicId"].(string); ok {
			entry.MechanicID = mechanicID
		}
		entry.Status = model.StatusMechanicAssigned
	case realtime.EventEstimateUpdated:
		if amount, ok := msg.Data["amount"].(float64); ok {
			entry.EstimateAmount = &amount
		}
		entry.Status = model.StatusAwaitingEstimateApproval
	case realtime.EventEstimateApproved:
		entry.Status = model.StatusEstimateApproved
	}
}

// Get returns a copy of the cached view of a request.
func (b *Binder) Get(id string) (CachedRequest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[id]
	if !ok {
		return CachedRequest{}, false
	}
	return *entry, true
}

// Snapshot returns copies of every cached entry.
func (b *Binder) Snapshot() []CachedRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]CachedRequest, 0, len(b.cache))
	for _, entry := range b.cache {
		out = append(out, *entry)
	}
	return out
}

// Invalidate drops an entry, typically after the caller re-fetched the
// authoritative entity.
func (b *Binder) Invalidate(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, id)
}
