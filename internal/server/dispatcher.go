package server

import (
	"context"
	"strings"
	"time"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/protocol"
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/telemetry"
)

// KeyNotFoundMessage is the error text sent for a missing key
const KeyNotFoundMessage = "Key not found"

// Dispatcher executes decoded requests against a store
type Dispatcher struct {
	store   storage.Engine
	logger  *shared.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewDispatcher creates a dispatcher. metrics and tracer may be nil.
func NewDispatcher(store storage.Engine, logger *shared.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Dispatcher {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	return &Dispatcher{
		store:   store,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Dispatch runs req and builds its response. Store errors become Err
// responses; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	op := strings.ToLower(string(req.Op))
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = kvErr.RecoverError(r)
			d.logger.Error("Panic while handling %s: %v", op, r)
		}
		if err != nil {
			resp = protocol.Fail(ErrorMessage(err))
		}
		if d.metrics != nil {
			d.metrics.ObserveRequest(op, time.Since(start), err)
		}
	}()

	err = d.trace(ctx, op, req.Key, func(context.Context) error {
		var opErr error
		resp, opErr = d.execute(req)
		return opErr
	})
	return resp
}

func (d *Dispatcher) execute(req *protocol.Request) (*protocol.Response, error) {
	switch req.Op {
	case protocol.OpGet:
		value, ok, err := d.store.Get(req.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return protocol.Ok(nil), nil
		}
		return protocol.Found(value), nil
	case protocol.OpSet:
		if err := d.store.Set(req.Key, req.Value); err != nil {
			return nil, err
		}
		return protocol.Ok(nil), nil
	case protocol.OpRemove:
		if err := d.store.Remove(req.Key); err != nil {
			return nil, err
		}
		return protocol.Ok(nil), nil
	default:
		return nil, kvErr.New(kvErr.ErrorTypeInvalidInput, "unknown request "+string(req.Op), nil)
	}
}

func (d *Dispatcher) trace(ctx context.Context, op, key string, fn func(context.Context) error) error {
	if d.tracer == nil {
		return fn(ctx)
	}
	return d.tracer.TraceStorageOperation(ctx, op, key, fn)
}

// ErrorMessage converts a store error into the text sent to clients
func ErrorMessage(err error) string {
	if kvErr.IsNotFound(err) {
		return KeyNotFoundMessage
	}
	return err.Error()
}
