// Package redisbackend stores signaling records in Redis. Descriptions are
// SET NX keys, candidates are per-side sorted sets scored by sequence, and
// every write is announced on a per-conversation pub/sub channel.
//
// Writes are idempotent, so a write retried after a lost reply or a failed
// PUBLISH stores nothing twice.
package redisbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

const (
	defaultPrefix = "plantcall"
	defaultTTL    = 10 * time.Minute
)

type Backend struct {
	client redis.UniversalClient
	owned  bool
	prefix string
	ttl    time.Duration
	logger shared.LoggerAdapter

	mu     sync.Mutex
	closed bool
	stops  map[int]func()
	nextID int
}

var _ signaling.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithTTL sets how long records live; abandoned calls clean themselves up.
func WithTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New uses an existing client. Close leaves the client open.
func New(client redis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
		logger: shared.NewNopLogger(),
		stops:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "signaling.redis"))
	return b
}

// Dial connects to addr and pings it. Close closes the client.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	b := New(client, opts...)
	b.owned = true
	return b, nil
}

func (b *Backend) descriptionKey(conv string, kind signaling.Kind) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, conv, kind)
}

func (b *Backend) hangupKey(conv string, side signaling.Side) string {
	return fmt.Sprintf("%s:%s:hangup:%s", b.prefix, conv, side)
}

func (b *Backend) candidatesKey(conv string, side signaling.Side) string {
	return fmt.Sprintf("%s:%s:%s:candidates", b.prefix, conv, side)
}

func (b *Backend) eventsChannel(conv string) string {
	return fmt.Sprintf("%s:%s:events", b.prefix, conv)
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Write(ctx context.Context, conversationID string, rec signaling.Record) error {
	if b.isClosed() {
		return shared.ErrBackendClosed
	}
	data, err := signaling.EncodeRecord(rec)
	if err != nil {
		return err
	}
	switch rec.Kind {
	case signaling.KindOffer, signaling.KindAnswer:
		key := b.descriptionKey(conversationID, rec.Kind)
		ok, err := b.client.SetNX(ctx, key, data, b.ttl).Result()
		if err != nil {
			return fmt.Errorf("storing %s: %w", rec.Kind, err)
		}
		if !ok {
			stored, err := b.client.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("reading stored %s: %w", rec.Kind, err)
			}
			// A byte-equal value is this record's own earlier attempt.
			if !bytes.Equal(stored, data) {
				return shared.ErrAlreadyPublished
			}
		}
	case signaling.KindCandidate:
		key := b.candidatesKey(conversationID, rec.From)
		_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.Seq), Member: data})
			pipe.Expire(ctx, key, b.ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("appending candidate: %w", err)
		}
	case signaling.KindHangup:
		if err := b.client.Set(ctx, b.hangupKey(conversationID, rec.From), data, b.ttl).Err(); err != nil {
			return fmt.Errorf("storing hangup: %w", err)
		}
	}
	if err := b.client.Publish(ctx, b.eventsChannel(conversationID), data).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", rec.Kind, err)
	}
	return nil
}

func (b *Backend) Watch(ctx context.Context, conversationID string, from signaling.Side, fn func(signaling.Record)) (func(), error) {
	if b.isClosed() {
		return nil, shared.ErrBackendClosed
	}
	wctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(wctx, b.eventsChannel(conversationID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", b.eventsChannel(conversationID), err)
	}

	w := &watcher{
		b:      b,
		conv:   conversationID,
		from:   from,
		fn:     fn,
		logger: b.logger.With(zap.String("conversation_id", conversationID)),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(wctx, pubsub.Channel())
	}()

	var once sync.Once
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	stop := func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
			b.mu.Lock()
			delete(b.stops, id)
			b.mu.Unlock()
		})
	}
	b.stops[id] = stop
	b.mu.Unlock()
	return stop, nil
}

func (b *Backend) Reset(ctx context.Context, conversationID string) error {
	if b.isClosed() {
		return shared.ErrBackendClosed
	}
	keys := []string{
		b.descriptionKey(conversationID, signaling.KindOffer),
		b.descriptionKey(conversationID, signaling.KindAnswer),
		b.hangupKey(conversationID, signaling.SideCaller),
		b.hangupKey(conversationID, signaling.SideReceiver),
		b.candidatesKey(conversationID, signaling.SideCaller),
		b.candidatesKey(conversationID, signaling.SideReceiver),
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting conversation keys: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	stops := make([]func(), 0, len(b.stops))
	for _, stop := range b.stops {
		stops = append(stops, stop)
	}
	b.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

type watcher struct {
	b      *Backend
	conv   string
	from   signaling.Side
	fn     func(signaling.Record)
	logger shared.LoggerAdapter

	// nextSeq is the first candidate sequence not yet handed to fn.
	nextSeq int64
}

func (w *watcher) run(ctx context.Context, msgs <-chan *redis.Message) {
	if err := w.replay(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("replaying stored records", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			rec, err := signaling.DecodeRecord([]byte(msg.Payload))
			if err != nil {
				w.logger.Warn("dropping undecodable record", zap.Error(err))
				continue
			}
			if rec.From != w.from {
				continue
			}
			if rec.Kind != signaling.KindCandidate {
				w.fn(rec)
				continue
			}
			if rec.Seq < w.nextSeq {
				continue
			}
			if rec.Seq > w.nextSeq {
				// A notification went missing; read the gap from the set.
				if err := w.fillCandidates(ctx, rec.Seq-1); err != nil && ctx.Err() == nil {
					w.logger.Error("reading missed candidates", err)
				}
			}
			w.fn(rec)
			w.nextSeq = rec.Seq + 1
		}
	}
}

func (w *watcher) replay(ctx context.Context) error {
	description := w.b.descriptionKey(w.conv, signaling.KindOffer)
	if w.from == signaling.SideReceiver {
		description = w.b.descriptionKey(w.conv, signaling.KindAnswer)
	}
	if err := w.replayKey(ctx, description); err != nil {
		return err
	}
	if err := w.fillCandidates(ctx, -1); err != nil {
		return err
	}
	return w.replayKey(ctx, w.b.hangupKey(w.conv, w.from))
}

func (w *watcher) replayKey(ctx context.Context, key string) error {
	data, err := w.b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	rec, err := signaling.DecodeRecord(data)
	if err != nil {
		w.logger.Warn("dropping undecodable record", zap.String("key", key), zap.Error(err))
		return nil
	}
	w.fn(rec)
	return nil
}

// fillCandidates hands over stored candidates from nextSeq up to and
// including upTo. upTo < 0 reads to the highest stored sequence.
func (w *watcher) fillCandidates(ctx context.Context, upTo int64) error {
	if upTo >= 0 && upTo < w.nextSeq {
		return nil
	}
	upper := "+inf"
	if upTo >= 0 {
		upper = strconv.FormatInt(upTo, 10)
	}
	items, err := w.b.client.ZRangeByScore(ctx, w.b.candidatesKey(w.conv, w.from), &redis.ZRangeBy{
		Min: strconv.FormatInt(w.nextSeq, 10),
		Max: upper,
	}).Result()
	if err != nil {
		return err
	}
	for _, item := range items {
		rec, err := signaling.DecodeRecord([]byte(item))
		if err != nil {
			w.logger.Warn("dropping undecodable candidate", zap.Error(err))
			continue
		}
		if rec.Seq < w.nextSeq {
			continue
		}
		w.fn(rec)
		w.nextSeq = rec.Seq + 1
	}
	return nil
}
