// Package snapshot implements the initial-state loader: the
// four-variant dispatch (COLD/HEATING/HOT, with COOLING fused to
// HEATING) that turns a freshly started coordination session into the
// sequence of document batches a connecting client receives before
// live deltas take over.
package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/coordination"
	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/syncerr"
)

// Batch is one unit of the initial-state stream, corresponding to one
// yield from the reference loader's async generator. CacheState always
// names the variant that produced the batch ("cold", "heating" or
// "hot"); only the `_cache_state` field stamped on the first document
// depends on markCacheState (mirroring the reference's
// DEBUG/TESTING-only `mark` helper).
type Batch struct {
	Documents  []docstore.Document
	CacheState string
}

// Source produces the authoritative rows for an anchor during a COLD
// hydration, grouped the way the declared schema's per-type serializer
// does: one slice per call, repeated until the source is exhausted.
// This is the analogue of state_model.serialize_state's generator.
type Source interface {
	SerializeState(ctx context.Context, anchor string, tstamp float64) (<-chan []docstore.Document, <-chan error)
}

// Loader drives the four load variants against a coordination Store
// and a docstore Store for one channel.
type Loader struct {
	coord           *coordination.Store
	docs           *docstore.Store
	channel        string
	source         Source
	instanceTypes  []string
	pollInterval   time.Duration
	markCacheState bool
	logger         zerolog.Logger
}

// Config configures NewLoader.
type Config struct {
	Channel string
	// InstanceTypes lists every declared instance type this channel's
	// schema graph projects onto an anchor, in the order HOT loads
	// should emit them.
	InstanceTypes []string
	// PollInterval is the HEATING-variant belt-and-suspenders poll
	// passed through to coordination.Store.ListInstances.
	PollInterval time.Duration
	// MarkCacheState stamps `_cache_state` on the first document of
	// every batch (debug/test builds only, never in production).
	MarkCacheState bool
}

// NewLoader builds a Loader over coord/docs/source for one channel.
func NewLoader(coord *coordination.Store, docs *docstore.Store, source Source, cfg Config, logger zerolog.Logger) *Loader {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Loader{
		coord:          coord,
		docs:           docs,
		channel:        cfg.Channel,
		source:         source,
		instanceTypes:  cfg.InstanceTypes,
		pollInterval:   poll,
		markCacheState: cfg.MarkCacheState,
		logger:         logger.With().Str("component", "snapshot").Str("channel", cfg.Channel).Logger(),
	}
}

// Load dispatches on state and streams every batch the connecting
// client should receive, filtered to documents visible to user (nil or
// matching _user_key). The returned channel closes when the load
// completes; a non-nil error on the error channel means the whole load
// failed and must abort the session (the caller should roll the
// coordination session back to COLD if state was StateCold).
func (l *Loader) Load(ctx context.Context, anchor, user string, state coordination.State, tstamp time.Time) (<-chan Batch, <-chan error) {
	switch state {
	case coordination.StateCold:
		return l.loadCold(ctx, anchor, user, tstamp)
	case coordination.StateHeating, coordination.StateCooling:
		return l.loadHeating(ctx, anchor, user)
	case coordination.StateHot:
		return l.loadHot(ctx, anchor, user)
	default:
		out := make(chan Batch)
		errc := make(chan error, 1)
		close(out)
		errc <- syncerr.New("snapshot.Load", syncerr.KindInternalInvariant, nil, "state", int(state))
		close(errc)
		return out, errc
	}
}

func (l *Loader) mark(docs []docstore.Document, cacheState string) []docstore.Document {
	if l.markCacheState && len(docs) > 0 {
		docs[0] = docs[0].Clone()
		docs[0]["_cache_state"] = cacheState
	}
	return docs
}

// loadCold pulls every instance from the authoritative source, writes
// it to both tiers of the cache (document store for steady state,
// coordination list for concurrently-connecting HEATING peers), and
// forwards the caller's own view, filtered by user. Each document is
// written inline through ReplaceReturningPrior whatever its size; this
// path does no blob spillover through PutLarge.
func (l *Loader) loadCold(ctx context.Context, anchor, user string, tstamp time.Time) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		if err := l.docs.DeleteAll(ctx, l.channel, anchor); err != nil {
			errc <- err
			return
		}

		tstampFloat := float64(tstamp.UnixMicro()) / 1e6
		batches, srcErrc := l.source.SerializeState(ctx, anchor, tstampFloat)

		for {
			var docsBatch []docstore.Document
			var ok bool
			select {
			case docsBatch, ok = <-batches:
				if !ok {
					batches = nil
				}
			case err, errOk := <-srcErrc:
				if !errOk {
					srcErrc = nil
				}
				if err != nil {
					errc <- err
					return
				}
				continue
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
			if batches == nil && srcErrc == nil {
				break
			}
			if batches == nil {
				continue
			}
			if len(docsBatch) == 0 {
				continue
			}

			raw := make([][]byte, 0, len(docsBatch))
			for _, d := range docsBatch {
				if _, err := l.docs.ReplaceReturningPrior(ctx, l.channel, anchor, d); err != nil {
					errc <- err
					return
				}
				body, err := json.Marshal(map[string]any(d))
				if err != nil {
					errc <- syncerr.New("snapshot.loadCold", syncerr.KindInternalInvariant, err)
					return
				}
				raw = append(raw, body)
			}
			if _, err := l.coord.WriteInstances(ctx, l.channel, anchor, raw); err != nil {
				errc <- err
				return
			}

			visible := filterByUser(docsBatch, user)
			if len(visible) == 0 {
				continue
			}
			select {
			case out <- Batch{Documents: l.mark(visible, "cold"), CacheState: "cold"}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}

		if _, err := l.coord.EndWrite(ctx, l.channel, anchor); err != nil {
			errc <- err
			return
		}
	}()

	return out, errc
}

// loadHeating streams the anchor's in-progress instances list, filtered
// by user as each batch arrives.
func (l *Loader) loadHeating(ctx context.Context, anchor, user string) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errc := make(chan error, 1)

	rawBatches, rawErrc := l.coord.ListInstances(ctx, l.channel, anchor, l.pollInterval)

	go func() {
		defer close(out)
		defer close(errc)

		for {
			select {
			case batch, ok := <-rawBatches:
				if !ok {
					return
				}
				docsBatch := make([]docstore.Document, 0, len(batch.Documents))
				for _, raw := range batch.Documents {
					var d docstore.Document
					if err := json.Unmarshal(raw, &d); err != nil {
						errc <- syncerr.New("snapshot.loadHeating", syncerr.KindInternalInvariant, err)
						return
					}
					docsBatch = append(docsBatch, d)
				}
				visible := filterByUser(docsBatch, user)
				if len(visible) == 0 {
					continue
				}
				select {
				case out <- Batch{Documents: l.mark(visible, "heating"), CacheState: "heating"}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			case err, ok := <-rawErrc:
				if ok && err != nil {
					errc <- err
				}
				return
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// loadHot reads the steady-state document store, one batch per
// declared instance type, matching the reference's per-model query
// loop.
func (l *Loader) loadHot(ctx context.Context, anchor, user string) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		for _, instanceType := range l.instanceTypes {
			docsBatch, err := l.docs.Find(ctx, l.channel, anchor, instanceType, user)
			if err != nil {
				errc <- err
				return
			}
			if len(docsBatch) == 0 {
				continue
			}
			select {
			case out <- Batch{Documents: l.mark(docsBatch, "hot"), CacheState: "hot"}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// filterByUser keeps only documents whose _user_key is unset or equal
// to user, stripping the field from survivors (mirrors
// StateLoader._user_filter's i.pop('_user_key')).
func filterByUser(docs []docstore.Document, user string) []docstore.Document {
	visible := make([]docstore.Document, 0, len(docs))
	for _, d := range docs {
		uk, has := d.UserKey()
		if has && uk != user {
			continue
		}
		d = d.Clone()
		delete(d, "_user_key")
		visible = append(visible, d)
	}
	return visible
}
