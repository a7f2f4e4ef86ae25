package coordination

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riverfork/syncd/internal/syncerr"
)

// Batch is one step of the list_instances stream: the elements
// appended to the anchor's instances list since the previous batch.
type Batch struct {
	Documents [][]byte
}

// ListInstances streams every element written to the anchor's
// instances list via WriteInstances. It subscribes to the anchor's
// instances_trigger pub/sub topic for hints, and polls LLEN every
// pollInterval as a belt-and-suspenders against a missed pub/sub
// message — ported from RedisStateSession.list_instances. The returned
// channel closes when a negative-length signal arrives on the trigger,
// or when a poll observes the anchor has reached HOT.
func (s *Store) ListInstances(ctx context.Context, channel, anchor string, pollInterval time.Duration) (<-chan Batch, <-chan error) {
	out := make(chan Batch)
	errc := make(chan error, 1)

	keys := anchorKeys(channel, anchor)
	instancesKey := keys[idxInstances-1]
	triggerKey := keys[idxInstancesTrigger-1]
	stateKey := keys[idxState-1]

	go func() {
		defer close(out)
		defer close(errc)

		sub := s.rdb.Subscribe(ctx, triggerKey)
		defer sub.Close()
		msgCh := sub.Channel()

		instancesLength, err := s.rdb.LLen(ctx, instancesKey).Result()
		if err != nil {
			errc <- syncerr.New("coordination.ListInstances", syncerr.KindTransient, err)
			return
		}

		var cursor int64
		var lastLength int64

		emit := func(upTo int64) error {
			if cursor >= upTo {
				return nil
			}
			vals, err := s.rdb.LRange(ctx, instancesKey, cursor, upTo-1).Result()
			if err != nil {
				return err
			}
			cursor = upTo
			docs := make([][]byte, len(vals))
			for i, v := range vals {
				docs[i] = []byte(v)
			}
			select {
			case out <- Batch{Documents: docs}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		if err := emit(instancesLength); err != nil {
			errc <- syncerr.New("coordination.ListInstances", syncerr.KindTransient, err)
			return
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if lastLength < 0 {
				return
			}

			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				n, perr := strconv.ParseInt(msg.Payload, 10, 64)
				if perr != nil {
					continue
				}
				lastLength = n
				instancesLength = abs64(n)
				if err := emit(instancesLength); err != nil {
					errc <- syncerr.New("coordination.ListInstances", syncerr.KindTransient, err)
					return
				}
			case <-ticker.C:
				n, err := s.rdb.LLen(ctx, instancesKey).Result()
				if err != nil {
					errc <- syncerr.New("coordination.ListInstances", syncerr.KindTransient, err)
					return
				}
				if n == instancesLength {
					state, err := s.rdb.Get(ctx, stateKey).Int64()
					if err != nil && err != redis.Nil {
						errc <- syncerr.New("coordination.ListInstances", syncerr.KindTransient, err)
						return
					}
					if State(state) == StateHot {
						return
					}
					continue
				}
				instancesLength = n
				if err := emit(instancesLength); err != nil {
					errc <- syncerr.New("coordination.ListInstances", syncerr.KindTransient, err)
					return
				}
			}
		}
	}()

	return out, errc
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
