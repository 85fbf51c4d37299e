package chanwatch

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/chainwatch/lnutils"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrChannelNotFound is returned when no channel is registered for a peer.
var ErrChannelNotFound = errors.New("channel not found")

// Registry owns every ChannelRecord, keyed by peer. Readers receive copies
// and writers mutate records through closures, so callers never hold the
// lock across a network round trip.
type Registry struct {
	mu       sync.RWMutex
	channels map[PeerID]*ChannelRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[PeerID]*ChannelRecord),
	}
}

// Fetch returns a copy of the peer's record.
func (r *Registry) Fetch(peer PeerID) (*ChannelRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.channels[peer]
	if !ok {
		return nil, ErrChannelNotFound
	}

	return rec.Copy(), nil
}

// Channels returns copies of all records ordered by peer id.
func (r *Registry) Channels() []*ChannelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]*ChannelRecord, 0, len(r.channels))
	for _, rec := range r.channels {
		recs = append(recs, rec.Copy())
	}

	sort.Slice(recs, func(i, j int) bool {
		return bytes.Compare(recs[i].PeerID[:], recs[j].PeerID[:]) < 0
	})

	return recs
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}

// Upsert applies f to the peer's record, creating an empty one first if the
// peer is unknown. The resulting record is returned as a copy.
func (r *Registry) Upsert(peer PeerID,
	f func(rec *ChannelRecord)) *ChannelRecord {

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.channels[peer]
	if !ok {
		log.DebugS(context.TODO(), "Adding channel",
			lnutils.LogPeer("peer", peer))

		rec = NewChannelRecord(peer)
		r.channels[peer] = rec
	}

	f(rec)

	log.TraceS(context.TODO(), "Channel updated",
		btclog.Fmt("record", "%v", rec))

	return rec.Copy()
}

// Update applies f to an existing record. ErrChannelNotFound is returned if
// the peer has no channel, for example because it was deleted while the
// caller was scanning.
func (r *Registry) Update(peer PeerID, f func(rec *ChannelRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.channels[peer]
	if !ok {
		return ErrChannelNotFound
	}

	f(rec)

	return nil
}

// UpdateAll applies f to every record and returns the peers whose record f
// reported as changed.
func (r *Registry) UpdateAll(f func(rec *ChannelRecord) bool) []PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []PeerID
	for peer, rec := range r.channels {
		if f(rec) {
			changed = append(changed, peer)
		}
	}

	return changed
}

// Delete removes the peer's record. Deleting an unknown peer is a no-op and
// false is returned.
func (r *Registry) Delete(peer PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[peer]; !ok {
		log.DebugS(context.TODO(), "No channel to delete",
			lnutils.LogPeer("peer", peer))

		return false
	}

	delete(r.channels, peer)

	log.DebugS(context.TODO(), "Deleted channel",
		lnutils.LogPeer("peer", peer))

	return true
}

// FindByFunding returns a copy of the record whose funding output is op.
func (r *Registry) FindByFunding(op wire.OutPoint) fn.Option[*ChannelRecord] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.channels {
		if rec.FundingOutpoint == op {
			return fn.Some(rec.Copy())
		}
	}

	return fn.None[*ChannelRecord]()
}
