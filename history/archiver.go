package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/driftsql/driftsql/model"
)

// defaultWriters bounds how many archive writes run concurrently.
const defaultWriters = 4

// Archiver receives final query info from the query manager and writes one
// record per completed query to a Store. Writes happen off the completion
// path on a bounded worker group; Close drains them.
type Archiver struct {
	store       Store
	index       *Index
	compression Compression
	logger      *slog.Logger
	clusterName string

	seq    atomic.Uint32
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	errors atomic.Int64
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithCompression selects record compression. Default is zstd.
func WithCompression(c Compression) ArchiverOption {
	return func(a *Archiver) { a.compression = c }
}

// WithIndex attaches an Index updated as records are archived.
func WithIndex(ix *Index) ArchiverOption {
	return func(a *Archiver) { a.index = ix }
}

// WithArchiverLogger sets the structured logger.
func WithArchiverLogger(logger *slog.Logger) ArchiverOption {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClusterName prefixes record names, separating clusters sharing a store.
func WithClusterName(name string) ArchiverOption {
	return func(a *Archiver) { a.clusterName = name }
}

// NewArchiver creates an Archiver writing to store.
func NewArchiver(store Store, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		store:       store,
		compression: CompressionZstd,
		logger:      slog.Default(),
		clusterName: "default",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.group, a.ctx = errgroup.WithContext(a.ctx)
	a.group.SetLimit(defaultWriters)
	return a
}

// QueryCompleted implements the completion monitor contract: archive the
// final info of one query. Called exactly once per query by the manager.
func (a *Archiver) QueryCompleted(info model.QueryInfo) {
	rec := Record{
		Seq:        a.seq.Add(1),
		ArchivedAt: info.EndTime,
		Info:       info,
	}
	a.group.Go(func() error {
		if err := a.archive(rec); err != nil {
			a.errors.Add(1)
			a.logger.Error("failed to archive query", "queryID", rec.Info.QueryID, "error", err)
		}
		// Archive failures never propagate: history is best-effort and must
		// not take down the writer group.
		return nil
	})
}

func (a *Archiver) archive(rec Record) error {
	data, err := Encode(rec, a.compression)
	if err != nil {
		return err
	}
	name := a.recordName(rec)
	if err := a.store.Put(a.ctx, name, data); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	if a.index != nil {
		a.index.Add(rec, name)
	}
	return nil
}

func (a *Archiver) recordName(rec Record) string {
	return fmt.Sprintf("%s/%08d-%s", a.clusterName, rec.Seq, rec.Info.QueryID)
}

// Errors returns how many archive writes have failed.
func (a *Archiver) Errors() int64 { return a.errors.Load() }

// Close drains pending archive writes and releases the writer group.
func (a *Archiver) Close() error {
	err := a.group.Wait()
	a.cancel()
	return err
}

// Load reads one archived record back by store name.
func Load(ctx context.Context, store Store, name string) (Record, error) {
	data, err := store.Get(ctx, name)
	if err != nil {
		return Record{}, err
	}
	return Decode(data)
}
