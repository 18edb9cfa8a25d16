// Package rpc ties the runtime together: a Worker owns the transport, the
// compiled-function registry and the reference registry, and provides the
// three call shapes against named peers. CallSync blocks for the remote
// value, CallAsync returns a future, Remote returns a reference to a value
// the callee will own.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/refnet/refnet/callable"
	"github.com/refnet/refnet/config"
	"github.com/refnet/refnet/future"
	"github.com/refnet/refnet/network"
	"github.com/refnet/refnet/protocol"
	"github.com/refnet/refnet/rref"
	"github.com/refnet/refnet/value"
)

// Worker is one member of the worker group.
type Worker struct {
	cfg   *config.Config
	tr    *network.Transport
	funcs *callable.Registry
	refs  *rref.Registry

	mu       sync.Mutex
	inflight map[*future.Future]struct{}

	started int32 // atomic
}

// NewWorker builds a worker from its configuration and the shared function
// registry. Every worker in the group must register the same functions.
func NewWorker(cfg *config.Config, funcs *callable.Registry) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	listen, err := cfg.AddressOf(cfg.Worker.Rank)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:      cfg,
		funcs:    funcs,
		refs:     rref.NewRegistry(cfg.Worker.Rank),
		inflight: make(map[*future.Future]struct{}),
	}
	w.refs.SetMessenger(w)

	w.tr = network.NewTransport(network.Options{
		SelfRank:       cfg.Worker.Rank,
		ListenAddress:  listen,
		AddressOf:      cfg.AddressOf,
		Encrypt:        cfg.Network.Encrypt,
		ReadTimeout:    cfg.Network.ReadTimeout,
		WriteTimeout:   cfg.Network.WriteTimeout,
		MaxMessageSize: cfg.Network.MaxMessageSize,
	})
	w.tr.SetHandler(w.handle)

	return w, nil
}

// Start brings the transport up.
func (w *Worker) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return fmt.Errorf("worker already started")
	}
	if err := w.tr.Start(ctx); err != nil {
		atomic.StoreInt32(&w.started, 0)
		return err
	}
	Logger().Info("worker started",
		zap.Int("rank", w.selfRank()),
		zap.String("name", w.Name()),
		zap.Int("world_size", w.cfg.WorldSize()))
	return nil
}

// Stop reports leaks and shuts the transport down. A failed future nobody
// waited on and an owned value with outstanding remote holders are both
// diagnostics, not fatal.
func (w *Worker) Stop() error {
	if !atomic.CompareAndSwapInt32(&w.started, 1, 0) {
		return nil
	}

	w.mu.Lock()
	for f := range w.inflight {
		if f.Failed() && !f.Observed() {
			_, err := f.Result()
			Logger().Warn("unobserved failed future at shutdown",
				zap.Int("rank", w.selfRank()),
				zap.Error(err))
		}
	}
	w.mu.Unlock()

	for _, ref := range w.refs.LeakedOwned() {
		Logger().Warn("owned reference leaked at shutdown",
			zap.Int("rank", w.selfRank()),
			zap.String("ref", ref.String()))
	}

	return w.tr.Stop()
}

// Name returns this worker's stable name.
func (w *Worker) Name() string {
	return w.cfg.SelfName()
}

// Addr returns the transport's actual listen address.
func (w *Worker) Addr() string {
	if a := w.tr.Addr(); a != nil {
		return a.String()
	}
	return ""
}

func (w *Worker) selfRank() int {
	return w.cfg.Worker.Rank
}

// CreateRef makes this worker the owner of v and returns the handle.
func (w *Worker) CreateRef(v value.Value, typeTag string) *rref.RRef {
	return w.refs.CreateOwned(v, typeTag)
}

// Handle wraps an existing reference identity for this worker.
func (w *Worker) Handle(ref value.Ref) *rref.RRef {
	return w.refs.Handle(ref)
}

// CallSync executes fn on dst and blocks until the value or error comes
// back. Signature problems surface here, before any network activity; a
// remote execution error is re-raised verbatim.
func (w *Worker) CallSync(ctx context.Context, dst, fn string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	rank, err := w.prepareCall(dst, fn, args, kwargs)
	if err != nil {
		return value.Unit(), err
	}

	v, err := w.roundTrip(ctx, rank, &protocol.Request{
		Op:     protocol.OpCall,
		Fn:     fn,
		Args:   args,
		Kwargs: kwargs,
	})
	if err != nil {
		return value.Unit(), err
	}
	w.adoptResult(ctx, v)
	return v, nil
}

// CallAsync executes fn on dst and returns a future for the result
// immediately. Signature problems fail the future without touching the
// network.
func (w *Worker) CallAsync(ctx context.Context, dst, fn string, args []value.Value, kwargs map[string]value.Value) *future.Future {
	fut := future.New()
	w.track(fut)

	rank, err := w.prepareCall(dst, fn, args, kwargs)
	if err != nil {
		fut.SetError(err)
		return fut
	}

	go func() {
		v, err := w.roundTrip(ctx, rank, &protocol.Request{
			Op:     protocol.OpCall,
			Fn:     fn,
			Args:   args,
			Kwargs: kwargs,
		})
		if err != nil {
			fut.SetError(err)
			return
		}
		w.adoptResult(ctx, v)
		fut.SetResult(v)
	}()
	return fut
}

// Remote asks dst to execute fn and own the result, returning a reference
// to it immediately. The value materializes on the owner asynchronously;
// the handle is confirmed once the owner's creation reply arrives, and a
// failed materialization surfaces at ToHere.
func (w *Worker) Remote(ctx context.Context, dst, fn string, args []value.Value, kwargs map[string]value.Value) (*rref.RRef, error) {
	rank, err := w.prepareCall(dst, fn, args, kwargs)
	if err != nil {
		return nil, err
	}

	ref := w.refs.NewID(rank, fn)
	if rank != w.selfRank() {
		w.refs.AddUser(ref)
	}

	req := &protocol.Request{
		Op:     protocol.OpRemote,
		Fn:     fn,
		Args:   args,
		Kwargs: kwargs,
		Ref:    &ref,
	}
	go func() {
		// The creation reply arrives after the caller moved on; its
		// lifetime is the call timeout, not the caller's context.
		payload, err := protocol.EncodeRequest(req)
		if err != nil {
			Logger().Warn("failed to encode remote creation",
				zap.String("fn", fn),
				zap.Error(err))
			return
		}
		cctx, cancel := w.callContext(context.Background())
		defer cancel()

		data, err := w.tr.Request(cctx, rank, payload)
		if err != nil {
			// No reply from the owner; the handle stays unconfirmed.
			Logger().Warn("remote creation got no reply",
				zap.String("fn", fn),
				zap.String("ref", ref.String()),
				zap.Error(err))
			return
		}
		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			Logger().Warn("remote creation reply malformed",
				zap.String("ref", ref.String()),
				zap.Error(err))
			return
		}
		if _, err := resp.Unwrap(); err != nil {
			Logger().Warn("remote creation failed",
				zap.String("fn", fn),
				zap.String("ref", ref.String()),
				zap.Error(err))
		}
		// The owner replied after recording the outcome, so the handle
		// is confirmed even when creation failed.
		if rank != w.selfRank() {
			w.refs.ConfirmUser(ref)
		}
	}()

	return w.refs.Handle(ref), nil
}

// prepareCall resolves the destination and validates the call eagerly:
// unresolvable function, positional arity, missing required parameters and
// non-relocatable arguments are all caller-side errors. Unknown keywords
// are deliberately left for the callee.
func (w *Worker) prepareCall(dst, fn string, args []value.Value, kwargs map[string]value.Value) (int, error) {
	rank, err := w.cfg.RankOf(dst)
	if err != nil {
		return 0, err
	}
	f, err := w.funcs.Lookup(fn)
	if err != nil {
		return 0, err
	}
	if err := callable.Validate(f, args, kwargs); err != nil {
		return 0, err
	}
	for _, v := range args {
		if err := w.checkOutbound(rank, v); err != nil {
			return 0, err
		}
	}
	for _, v := range kwargs {
		if err := w.checkOutbound(rank, v); err != nil {
			return 0, err
		}
	}
	return rank, nil
}

// checkOutbound rejects values that must not leave this worker: stateful
// instances by copy, and owner-held references to stateful instances by
// identity.
func (w *Worker) checkOutbound(dst int, v value.Value) error {
	if v.IsPinned() {
		return fmt.Errorf("stateful module instances cannot be deep-copied through RPC")
	}
	if v.IsRef() && v.Ref.Owner == w.selfRank() && dst != w.selfRank() && w.refs.PinnedOwned(*v.Ref) {
		return fmt.Errorf("%s is an RRef to a stateful module instance, it can't be sent through RPC from the owner", v.Ref)
	}
	return nil
}

// adoptResult registers a user entry for a reference that arrived as a call
// result and acks its owner.
func (w *Worker) adoptResult(ctx context.Context, v value.Value) {
	if !v.IsRef() || v.Ref.Owner == w.selfRank() {
		return
	}
	ref := *v.Ref
	if !w.refs.AddUser(ref) {
		return
	}
	if err := w.SendAck(ctx, ref); err != nil {
		Logger().Warn("failed to ack reference owner",
			zap.String("ref", ref.String()),
			zap.Error(err))
		return
	}
	w.refs.ConfirmUser(ref)
}

func (w *Worker) track(f *future.Future) {
	w.mu.Lock()
	w.inflight[f] = struct{}{}
	w.mu.Unlock()

	f.AddCallback(func(f *future.Future) {
		// Fulfilled futures leave the table; failed ones stay until
		// observed so shutdown can report the silent ones.
		if !f.Failed() {
			w.mu.Lock()
			delete(w.inflight, f)
			w.mu.Unlock()
		}
	})
}

// roundTrip sends one request and converts the response into a local
// result.
func (w *Worker) roundTrip(ctx context.Context, dst int, req *protocol.Request) (value.Value, error) {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return value.Unit(), err
	}

	cctx, cancel := w.callContext(ctx)
	defer cancel()

	data, err := w.tr.Request(cctx, dst, payload)
	if err != nil {
		return value.Unit(), err
	}
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		return value.Unit(), err
	}
	return resp.Unwrap()
}

// callContext applies the configured call timeout when the caller did not
// bring a deadline of its own.
func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if w.cfg.Worker.CallTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.Worker.CallTimeout)
	}
	return ctx, func() {}
}

// SendAck implements rref.Messenger.
func (w *Worker) SendAck(ctx context.Context, ref value.Ref) error {
	_, err := w.roundTrip(ctx, ref.Owner, &protocol.Request{Op: protocol.OpAck, Ref: &ref})
	return err
}

// SendRelease implements rref.Messenger. Releases are fire-and-forget: the
// owner sends no reply, and acks are the only lifetime messages that need
// one.
func (w *Worker) SendRelease(ctx context.Context, ref value.Ref) error {
	payload, err := protocol.EncodeRequest(&protocol.Request{Op: protocol.OpRelease, Ref: &ref})
	if err != nil {
		return err
	}
	return w.tr.Notify(ctx, ref.Owner, payload)
}

// Fetch implements rref.Messenger.
func (w *Worker) Fetch(ctx context.Context, ref value.Ref) (value.Value, error) {
	return w.roundTrip(ctx, ref.Owner, &protocol.Request{Op: protocol.OpFetch, Ref: &ref})
}

// WorkerName implements rref.Messenger.
func (w *Worker) WorkerName(rank int) string {
	return w.cfg.WorkerName(rank)
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Rank      int      `json:"rank"`
	Name      string   `json:"name"`
	WorldSize int      `json:"world_size"`
	Owned     int      `json:"owned_refs"`
	Users     int      `json:"user_refs"`
	Inflight  int      `json:"inflight_futures"`
	Functions []string `json:"functions"`
}

// Snapshot collects current worker statistics.
func (w *Worker) Snapshot() Stats {
	w.mu.Lock()
	inflight := len(w.inflight)
	w.mu.Unlock()

	return Stats{
		Rank:      w.selfRank(),
		Name:      w.Name(),
		WorldSize: w.cfg.WorldSize(),
		Owned:     w.refs.OwnedCount(),
		Users:     w.refs.UserCount(),
		Inflight:  inflight,
		Functions: w.funcs.Names(),
	}
}
