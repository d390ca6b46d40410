package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

// maxHeldCandidates bounds the out-of-order buffer. Past it the oldest gap
// is skipped.
const maxHeldCandidates = 64

type Handlers struct {
	OnOffer     func(sdp webrtc.SessionDescription)
	OnAnswer    func(sdp webrtc.SessionDescription)
	OnCandidate func(candidate webrtc.ICECandidateInit)
	OnHangup    func()
}

// Unsubscribe stops delivery. It is idempotent and, once it returns, no
// handler is running or will run again. Handlers must not call it.
type Unsubscribe func()

type ChannelOption func(*Channel)

func WithLogger(logger shared.LoggerAdapter) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackOff replaces the write retry policy. Each write gets a fresh
// policy from newBackOff.
func WithBackOff(newBackOff func() backoff.BackOff) ChannelOption {
	return func(c *Channel) {
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// DefaultBackOff makes three attempts, 100ms apart at first.
func DefaultBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 100 * time.Millisecond
	ebo.MaxInterval = time.Second
	ebo.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(ebo, 2)
}

// Channel is one side's view of a conversation's signaling records.
type Channel struct {
	backend        Backend
	conversationID string
	local          Side
	logger         shared.LoggerAdapter
	newBackOff     func() backoff.BackOff

	writeMu    sync.Mutex
	offerSent  bool
	answerSent bool
	hangupSent bool
	nextSeq    int64

	mu  sync.Mutex
	sub *subscription
}

func NewChannel(backend Backend, conversationID string, local Side, opts ...ChannelOption) (*Channel, error) {
	if backend == nil {
		return nil, shared.ErrNoSignaling
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", shared.ErrInvalidParameters)
	}
	if !local.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", shared.ErrInvalidParameters, local)
	}
	c := &Channel{
		backend:        backend,
		conversationID: conversationID,
		local:          local,
		logger:         shared.NewNopLogger(),
		newBackOff:     DefaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("side", local.String()),
	)
	return c, nil
}

func (c *Channel) ConversationID() string { return c.conversationID }

func (c *Channel) Local() Side { return c.local }

// Reset clears the previous attempt's records. Only the caller may reset,
// and only before it publishes anything.
func (c *Channel) Reset(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.local != SideCaller {
		return fmt.Errorf("%w: only the caller resets a conversation", shared.ErrWrongSide)
	}
	if c.offerSent || c.nextSeq > 0 {
		return fmt.Errorf("%w: reset after publishing", shared.ErrWrongSide)
	}
	err := c.retry(ctx, func() error {
		return c.backend.Reset(ctx, c.conversationID)
	})
	if err != nil {
		return fmt.Errorf("%w: reset: %w", shared.ErrChannelWrite, err)
	}
	return nil
}

func (c *Channel) PublishOffer(ctx context.Context, sdp webrtc.SessionDescription) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.local != SideCaller {
		return fmt.Errorf("%w: receiver cannot publish an offer", shared.ErrWrongSide)
	}
	if c.offerSent {
		return shared.ErrAlreadyPublished
	}
	if err := c.write(ctx, Record{Kind: KindOffer, From: c.local, SDP: &sdp}); err != nil {
		return err
	}
	c.offerSent = true
	return nil
}

func (c *Channel) PublishAnswer(ctx context.Context, sdp webrtc.SessionDescription) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.local != SideReceiver {
		return fmt.Errorf("%w: caller cannot publish an answer", shared.ErrWrongSide)
	}
	if c.answerSent {
		return shared.ErrAlreadyPublished
	}
	if err := c.write(ctx, Record{Kind: KindAnswer, From: c.local, SDP: &sdp}); err != nil {
		return err
	}
	c.answerSent = true
	return nil
}

// PublishCandidate appends candidate with the next sequence number. Writes
// are serialized so sequence order is write order.
func (c *Channel) PublishCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	rec := Record{Kind: KindCandidate, From: c.local, Seq: c.nextSeq, Candidate: &candidate}
	if err := c.write(ctx, rec); err != nil {
		return err
	}
	c.nextSeq++
	return nil
}

// PublishHangup tells the remote side the call is over. At most once.
func (c *Channel) PublishHangup(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.hangupSent {
		return nil
	}
	if err := c.write(ctx, Record{Kind: KindHangup, From: c.local}); err != nil {
		return err
	}
	c.hangupSent = true
	return nil
}

func (c *Channel) write(ctx context.Context, rec Record) error {
	rec.CreatedAt = time.Now().UTC()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidParameters, err)
	}
	err := c.retry(ctx, func() error {
		return c.backend.Write(ctx, c.conversationID, rec)
	})
	if err != nil {
		if errors.Is(err, shared.ErrAlreadyPublished) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", shared.ErrChannelWrite, rec.Kind, err)
	}
	c.logger.Trace("signaling record written", zap.String("kind", string(rec.Kind)), zap.Int64("seq", rec.Seq))
	return nil
}

func (c *Channel) retry(ctx context.Context, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, shared.ErrAlreadyPublished) || errors.Is(err, shared.ErrBackendClosed) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("signaling write failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(c.newBackOff(), ctx))
}

// Subscribe starts delivering the remote side's records to h. Offer and
// answer are delivered at most once; candidates in sequence order.
func (c *Channel) Subscribe(ctx context.Context, h Handlers) (Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil, shared.ErrAlreadySubscribed
	}
	sub := &subscription{
		h:      h,
		remote: c.local.Remote(),
		logger: c.logger,
		held:   make(map[int64]webrtc.ICECandidateInit),
	}
	stop, err := c.backend.Watch(ctx, c.conversationID, sub.remote, sub.deliver)
	if err != nil {
		return nil, fmt.Errorf("watching conversation: %w", err)
	}
	sub.stop = stop
	c.sub = sub
	return sub.unsubscribe, nil
}

type subscription struct {
	h      Handlers
	remote Side
	logger shared.LoggerAdapter
	stop   func()

	closed atomic.Bool
	once   sync.Once

	// deliverMu is held for the whole of a delivery, including the handler.
	deliverMu sync.Mutex
	gotOffer  bool
	gotAnswer bool
	gotHangup bool
	nextSeq   int64
	held      map[int64]webrtc.ICECandidateInit
}

func (s *subscription) unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.stop()
		// Wait out an in-flight delivery.
		s.deliverMu.Lock()
		s.held = nil
		s.deliverMu.Unlock()
	})
}

func (s *subscription) deliver(rec Record) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return
	}
	if rec.From != s.remote {
		return
	}
	if err := rec.Validate(); err != nil {
		s.logger.Warn("dropping invalid signaling record", zap.Error(err))
		return
	}
	switch rec.Kind {
	case KindOffer:
		if s.gotOffer {
			return
		}
		s.gotOffer = true
		if s.h.OnOffer != nil {
			s.h.OnOffer(*rec.SDP)
		}
	case KindAnswer:
		if s.gotAnswer {
			return
		}
		s.gotAnswer = true
		if s.h.OnAnswer != nil {
			s.h.OnAnswer(*rec.SDP)
		}
	case KindHangup:
		if s.gotHangup {
			return
		}
		s.gotHangup = true
		if s.h.OnHangup != nil {
			s.h.OnHangup()
		}
	case KindCandidate:
		s.deliverCandidate(rec.Seq, *rec.Candidate)
	}
}

func (s *subscription) deliverCandidate(seq int64, candidate webrtc.ICECandidateInit) {
	if seq < s.nextSeq {
		return
	}
	if _, dup := s.held[seq]; dup {
		return
	}
	s.held[seq] = candidate
	if seq > s.nextSeq && len(s.held) <= maxHeldCandidates {
		return
	}
	if _, ok := s.held[s.nextSeq]; !ok {
		// Overflow: give up on the missing sequence numbers.
		seqs := make([]int64, 0, len(s.held))
		for k := range s.held {
			seqs = append(seqs, k)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		s.logger.Warn("skipping missing candidates",
			zap.Int64("from", s.nextSeq),
			zap.Int64("to", seqs[0]-1),
		)
		s.nextSeq = seqs[0]
	}
	for {
		c, ok := s.held[s.nextSeq]
		if !ok {
			return
		}
		delete(s.held, s.nextSeq)
		s.nextSeq++
		if s.h.OnCandidate != nil {
			s.h.OnCandidate(c)
		}
		if s.closed.Load() {
			return
		}
	}
}
