// Package applier turns the ordered operation stream into view mutations.
//
// Apply is a function of the current view and the delivered operations only.
// The log may run it again over records it already delivered, on any replica,
// and the resulting view must be the same.
package applier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/op"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/oplog"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/view"
)

// Outcomes reported to the Recorder.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeSkipped = "skipped"
)

// Store is the transactional view the applier writes to.
type Store interface {
	Transaction(ctx context.Context) (*view.Tx, error)
	Release(tx *view.Tx) error
	Abort(tx *view.Tx, cause error) error
}

// Recorder observes the outcome of every operation.
type Recorder interface {
	RecordOperation(kind, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string) {}

// Applier applies operation batches to a Store.
type Applier struct {
	store    Store
	logger   *zap.Logger
	recorder Recorder
}

// New creates an applier. logger and recorder may be nil.
func New(store Store, logger *zap.Logger, recorder Recorder) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Applier{
		store:    store,
		logger:   logger.Named("applier"),
		recorder: recorder,
	}
}

// Apply runs one batch inside one view transaction. Invalid operations are
// skipped with a warning. Store and membership failures abort the whole
// batch: nothing from it is flushed and the error is returned.
func (a *Applier) Apply(ctx context.Context, nodes []oplog.Node, host oplog.Host) error {
	tx, err := a.store.Transaction(ctx)
	if err != nil {
		return fmt.Errorf("applier: begin: %w", err)
	}

	for _, node := range nodes {
		if err := a.applyNode(ctx, tx, node, host); err != nil {
			return a.store.Abort(tx, fmt.Errorf("applier: seq %d: %w", node.Seq, err))
		}
	}
	return a.store.Release(tx)
}

// Func adapts Apply to the log's delivery callback.
func (a *Applier) Func() oplog.ApplyFunc {
	return a.Apply
}

func (a *Applier) applyNode(ctx context.Context, tx *view.Tx, node oplog.Node, host oplog.Host) error {
	o, err := op.Unmarshal(node.Value)
	if err != nil {
		a.skip(node, "unknown", zap.Error(err))
		return nil
	}
	kind := o.Kind.String()
	if !o.Kind.Known() {
		kind = "unknown"
	}

	switch o.Kind {
	case op.KindAddService:
		if o.ServiceKey == nil || o.ServiceName == nil || *o.ServiceName == "" {
			a.skip(node, kind, zap.String("reason", "missing service key or name"))
			return nil
		}
		inserted, err := tx.Insert(view.ServiceEntry{PublicKey: *o.ServiceKey, ServiceName: *o.ServiceName})
		if err != nil {
			return err
		}
		a.done(kind, inserted)

	case op.KindDeleteService:
		if o.ServiceKey == nil {
			a.skip(node, kind, zap.String("reason", "missing service key"))
			return nil
		}
		deleted, err := tx.Delete(*o.ServiceKey)
		if err != nil {
			return err
		}
		a.done(kind, deleted)

	case op.KindAddWriter:
		if o.WriterKey == nil {
			a.skip(node, kind, zap.String("reason", "missing writer key"))
			return nil
		}
		if err := host.AddWriter(ctx, *o.WriterKey, oplog.WriterOptions{Indexer: true}); err != nil {
			return err
		}
		a.done(kind, true)

	case op.KindRemoveWriter:
		if o.WriterKey == nil {
			a.skip(node, kind, zap.String("reason", "missing writer key"))
			return nil
		}
		if err := host.RemoveWriter(ctx, *o.WriterKey); err != nil {
			return err
		}
		a.done(kind, true)

	default:
		a.skip(node, kind, zap.Uint64("code", uint64(o.Kind)))
	}
	return nil
}

func (a *Applier) done(kind string, changed bool) {
	if changed {
		a.recorder.RecordOperation(kind, OutcomeApplied)
		return
	}
	a.recorder.RecordOperation(kind, OutcomeNoop)
}

func (a *Applier) skip(node oplog.Node, kind string, fields ...zap.Field) {
	a.recorder.RecordOperation(kind, OutcomeSkipped)
	a.logger.Warn("Skipping invalid operation", append(fields,
		zap.Uint64("seq", node.Seq),
		zap.String("from", node.From.Short()),
		zap.String("kind", kind))...)
}
