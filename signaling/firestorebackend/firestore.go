// Package firestorebackend keeps signaling records in Cloud Firestore:
//
//	calls/{conversation}/descriptions/{offer|answer}
//	calls/{conversation}/callerCandidates/{seq}
//	calls/{conversation}/receiverCandidates/{seq}
//	calls/{conversation}/hangups/{caller|receiver}
//
// Watches are snapshot listeners, so records already stored are replayed
// ahead of new ones. Candidate documents are named by sequence and a
// description matching the stored one is accepted, so retried writes are
// idempotent.
package firestorebackend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

const (
	callsCollection        = "calls"
	descriptionsCollection = "descriptions"
	hangupsCollection      = "hangups"
)

// document is the stored form. Payload is the encoded signaling.Record; the
// other fields exist for ordering and inspection in the console.
type document struct {
	Payload   string    `firestore:"payload"`
	Kind      string    `firestore:"kind"`
	Seq       int64     `firestore:"seq"`
	CreatedAt time.Time `firestore:"created_at"`
}

type Backend struct {
	client *firestore.Client
	owned  bool
	logger shared.LoggerAdapter

	mu     sync.Mutex
	closed bool
	stops  map[int]func()
	nextID int
}

var _ signaling.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New wraps an existing client. Close leaves the client open.
func New(client *firestore.Client, opts ...Option) *Backend {
	b := &Backend{
		client: client,
		logger: shared.NewNopLogger(),
		stops:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "signaling.firestore"))
	return b
}

// NewFromApp opens the Firestore client of an initialized Firebase app.
func NewFromApp(ctx context.Context, app *firebase.App, opts ...Option) (*Backend, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening firestore: %w", err)
	}
	b := New(client, opts...)
	b.owned = true
	return b, nil
}

// Dial initializes a Firebase app from a service account file. An empty
// credentialsPath falls back to application default credentials.
func Dial(ctx context.Context, projectID, credentialsPath string, opts ...Option) (*Backend, error) {
	var clientOpts []option.ClientOption
	if credentialsPath != "" {
		credentials, err := os.ReadFile(credentialsPath)
		if err != nil {
			return nil, fmt.Errorf("reading firebase credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(credentials))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	return NewFromApp(ctx, app, opts...)
}

func (b *Backend) call(conv string) *firestore.DocumentRef {
	return b.client.Collection(callsCollection).Doc(conv)
}

func candidatesCollection(side signaling.Side) string {
	return side.String() + "Candidates"
}

func candidateID(seq int64) string {
	return fmt.Sprintf("%010d", seq)
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
	doc := document{
		Payload:   string(data),
		Kind:      string(rec.Kind),
		Seq:       rec.Seq,
		CreatedAt: rec.CreatedAt,
	}
	call := b.call(conversationID)
	switch rec.Kind {
	case signaling.KindOffer, signaling.KindAnswer:
		ref := call.Collection(descriptionsCollection).Doc(string(rec.Kind))
		_, err = ref.Create(ctx, doc)
		if status.Code(err) == codes.AlreadyExists {
			return confirmDescription(ctx, ref, doc.Payload)
		}
	case signaling.KindCandidate:
		_, err = call.Collection(candidatesCollection(rec.From)).Doc(candidateID(rec.Seq)).Set(ctx, doc)
	case signaling.KindHangup:
		_, err = call.Collection(hangupsCollection).Doc(rec.From.String()).Set(ctx, doc)
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", rec.Kind, err)
	}
	return nil
}

// confirmDescription accepts an existing description only when it holds
// payload, as it does after a retried Create whose first reply was lost.
func confirmDescription(ctx context.Context, ref *firestore.DocumentRef, payload string) error {
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return shared.ErrAlreadyPublished
	}
	if err != nil {
		return fmt.Errorf("reading stored %s: %w", ref.ID, err)
	}
	var stored document
	if err := snap.DataTo(&stored); err != nil {
		return fmt.Errorf("decoding stored %s: %w", ref.ID, err)
	}
	if stored.Payload != payload {
		return shared.ErrAlreadyPublished
	}
	return nil
}

func (b *Backend) Watch(ctx context.Context, conversationID string, from signaling.Side, fn func(signaling.Record)) (func(), error) {
	if b.isClosed() {
		return nil, shared.ErrBackendClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call := b.call(conversationID)
	description := signaling.KindOffer
	if from == signaling.SideReceiver {
		description = signaling.KindAnswer
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		fn:     fn,
		logger: b.logger.With(zap.String("conversation_id", conversationID), zap.String("from", from.String())),
	}
	descIt := call.Collection(descriptionsCollection).Doc(string(description)).Snapshots(wctx)
	hangupIt := call.Collection(hangupsCollection).Doc(from.String()).Snapshots(wctx)
	candIt := call.Collection(candidatesCollection(from)).OrderBy("seq", firestore.Asc).Snapshots(wctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer descIt.Stop()
		w.watchDocument(wctx, descIt)
	}()
	go func() {
		defer wg.Done()
		defer hangupIt.Stop()
		w.watchDocument(wctx, hangupIt)
	}()
	go func() {
		defer wg.Done()
		defer candIt.Stop()
		w.watchQuery(wctx, candIt)
	}()

	var once sync.Once
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			b.mu.Lock()
			delete(b.stops, id)
			b.mu.Unlock()
		})
	}
	b.stops[id] = stop
	b.mu.Unlock()
	return stop, nil
}

// Reset deletes every document under the conversation with a BulkWriter.
func (b *Backend) Reset(ctx context.Context, conversationID string) error {
	if b.isClosed() {
		return shared.ErrBackendClosed
	}
	call := b.call(conversationID)
	collections := []string{
		descriptionsCollection,
		hangupsCollection,
		candidatesCollection(signaling.SideCaller),
		candidatesCollection(signaling.SideReceiver),
	}
	bw := b.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, name := range collections {
		it := call.Collection(name).DocumentRefs(ctx)
		for {
			ref, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				bw.End()
				return fmt.Errorf("listing %s: %w", name, err)
			}
			job, err := bw.Delete(ref)
			if err != nil {
				bw.End()
				return fmt.Errorf("deleting %s: %w", ref.Path, err)
			}
			jobs = append(jobs, job)
		}
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("deleting conversation records: %w", err)
		}
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
	// mu serializes fn across the three listeners.
	mu     sync.Mutex
	fn     func(signaling.Record)
	logger shared.LoggerAdapter
}

func (w *watcher) emit(snap *firestore.DocumentSnapshot) {
	var doc document
	if err := snap.DataTo(&doc); err != nil {
		w.logger.Warn("dropping unreadable document", zap.String("path", snap.Ref.Path), zap.Error(err))
		return
	}
	rec, err := signaling.DecodeRecord([]byte(doc.Payload))
	if err != nil {
		w.logger.Warn("dropping undecodable record", zap.String("path", snap.Ref.Path), zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn(rec)
}

// finish logs err unless the listener was stopped on purpose.
func (w *watcher) finish(ctx context.Context, err error) {
	if ctx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, iterator.Done) {
		return
	}
	w.logger.Error("snapshot listener failed", err)
}

func (w *watcher) watchDocument(ctx context.Context, it *firestore.DocumentSnapshotIterator) {
	for {
		snap, err := it.Next()
		if err != nil {
			w.finish(ctx, err)
			return
		}
		if snap == nil || !snap.Exists() {
			continue
		}
		w.emit(snap)
	}
}

func (w *watcher) watchQuery(ctx context.Context, it *firestore.QuerySnapshotIterator) {
	for {
		snap, err := it.Next()
		if err != nil {
			w.finish(ctx, err)
			return
		}
		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded {
				continue
			}
			w.emit(change.Doc)
		}
	}
}
