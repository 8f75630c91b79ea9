package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearmesh/settler/internal/domain"
)

// streamMaxLen is the approximate maximum length for the trade stream,
// enforced via XADD MAXLEN ~. Trades older than the trim horizon have long
// since been netted and settled.
const streamMaxLen int64 = 1_000_000

// TradeLog implements domain.TradeLog on a Redis stream with consumer-group
// semantics: each record is delivered to one active consumer of the group
// and redelivered after a crash until explicitly acknowledged.
type TradeLog struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// NewTradeLog creates a TradeLog for the given stream and consumer group,
// creating the group at the start of the stream if it does not exist yet.
func NewTradeLog(ctx context.Context, c *Client, stream, group, consumer string) (*TradeLog, error) {
	tl := &TradeLog{
		rdb:      c.Underlying(),
		stream:   stream,
		group:    group,
		consumer: consumer,
	}

	// MKSTREAM creates the stream together with the group. BUSYGROUP means
	// another consumer got there first, which is fine.
	err := tl.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("redis: create group %s on %s: %w", group, stream, err)
	}

	return tl, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Append publishes a trade to the stream using XADD with an approximate
// MAXLEN for automatic trimming. This is the enqueue path used by matching
// engines that call the orchestrator directly instead of producing to the
// log themselves.
func (tl *TradeLog) Append(ctx context.Context, trade domain.TradeEvent) error {
	payload, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("redis: marshal trade %s: %w", trade.TradeID, err)
	}

	args := &redis.XAddArgs{
		Stream: tl.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := tl.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", tl.stream, err)
	}
	return nil
}

// ReadGroup blocks up to block for the next records addressed to this
// consumer, reading at most count. It returns an empty slice (not an error)
// when the wait elapses with nothing to deliver, so the caller can re-check
// batch triggers on a quiet stream.
func (tl *TradeLog) ReadGroup(ctx context.Context, count int, block time.Duration) ([]domain.LogRecord, error) {
	args := &redis.XReadGroupArgs{
		Group:    tl.group,
		Consumer: tl.consumer,
		Streams:  []string{tl.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}

	results, err := tl.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read group %s: %w", tl.group, err)
	}

	var records []domain.LogRecord
	for _, s := range results {
		for _, msg := range s.Messages {
			// A message without a usable payload is still returned so the
			// consumer counts it as malformed and acknowledges it; skipping
			// it here would leave it pending in the group forever.
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			}

			records = append(records, domain.LogRecord{
				ID:      msg.ID,
				Payload: data,
			})
		}
	}

	return records, nil
}

// Ack marks records as processed for the consumer group.
func (tl *TradeLog) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tl.rdb.XAck(ctx, tl.stream, tl.group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: ack %d records on %s: %w", len(ids), tl.stream, err)
	}
	return nil
}

// Lag returns the number of records available to the group but not yet
// acknowledged: entries the group has never read plus its pending entries.
func (tl *TradeLog) Lag(ctx context.Context) (int64, error) {
	groups, err := tl.rdb.XInfoGroups(ctx, tl.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: stream info %s: %w", tl.stream, err)
	}

	for _, g := range groups {
		if g.Name == tl.group {
			return g.Lag + g.Pending, nil
		}
	}
	return 0, fmt.Errorf("redis: group %s not found on %s", tl.group, tl.stream)
}

// Compile-time interface check.
var _ domain.TradeLog = (*TradeLog)(nil)
