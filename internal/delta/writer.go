package delta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/metrics"
	"github.com/riverfork/syncd/internal/syncerr"
)

// Writer performs step (1)-(3) of §4.3: upsert-returning-prior per
// anchor, then diff against the prior version, for one freshly
// serialized document.
type Writer struct {
	docs    *docstore.Store
	channel string
}

// NewWriter builds a Writer over docs for one channel.
func NewWriter(docs *docstore.Store, channel string) *Writer {
	return &Writer{docs: docs, channel: channel}
}

// Result pairs an anchor with the delta to broadcast for it, or a nil
// Delta when the diff was empty and no broadcast should happen.
type Result struct {
	Anchor string
	Delta  docstore.Document
}

// Apply upserts doc into anchors and returns, per anchor, the minimal
// delta to broadcast (nil when suppressed). Oversized documents spill
// to the blob store and are always broadcast as a full reference
// record, skipping minimal-diff entirely (§4.3 point 4).
func (w *Writer) Apply(ctx context.Context, anchors []string, doc docstore.Document) ([]Result, error) {
	body, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return nil, syncerr.New("delta.Apply", syncerr.KindInternalInvariant, err)
	}

	large := len(body) > w.docs.BlobFloorBytes()
	stored := doc
	if large {
		ref, err := w.docs.PutLarge(ctx, body)
		if err != nil {
			return nil, err
		}
		stored = docstore.Document{
			"id":             doc.ID(),
			"_instance_type": doc.InstanceType(),
			"_tstamp":        doc["_tstamp"],
			"_operation":     doc.Operation(),
			"_grid_ref":      ref,
		}
		if uk, ok := doc.UserKey(); ok {
			stored["_user_key"] = uk
		}
	}

	results := make([]Result, 0, len(anchors))
	for _, anchor := range anchors {
		start := time.Now()
		prior, err := w.docs.ReplaceReturningPrior(ctx, w.channel, anchor, stored)
		metrics.DeltaWriteDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}

		var out docstore.Document
		switch {
		case large:
			out = stored
			metrics.DeltasEmitted.WithLabelValues("full_large").Inc()
		case prior == nil, stored.Operation() == docstore.OperationDelete, stored.Deleted() != prior.Deleted():
			out = stored
			metrics.DeltasEmitted.WithLabelValues("full").Inc()
		default:
			out = Minimal(prior, stored)
			if out == nil {
				metrics.DeltasEmitted.WithLabelValues("suppressed").Inc()
			} else {
				metrics.DeltasEmitted.WithLabelValues("minimal").Inc()
			}
		}
		results = append(results, Result{Anchor: anchor, Delta: out})
	}
	return results, nil
}
