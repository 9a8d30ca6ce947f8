// Package dispatch decodes incoming requests and routes them to the
// operation executor or to the RRef registry.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/najoast/rref/logging"
	"github.com/najoast/rref/message"
	"github.com/najoast/rref/rref"
)

var log = logging.Logger(logging.ModuleDispatch)

// Options contains configuration options for a Dispatcher.
type Options struct {
	// Workers bounds how many user operations run at once
	Workers int
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{Workers: 16}
}

// Stats holds dispatcher counters.
type Stats struct {
	Processed uint64
	Failed    uint64
	Running   int
	Workers   int
}

// Dispatcher is the single entry point for requests arriving at a node.
type Dispatcher struct {
	registry *rref.Context
	exec     Executor
	opaque   OpaqueRunner
	pool     *Pool

	// Fetches waiting for their value
	fetches sync.WaitGroup

	processed uint64
	failed    uint64
}

// New creates a dispatcher over registry. exec and opaque may be nil if
// the node never runs that kind of call.
func New(registry *rref.Context, exec Executor, opaque OpaqueRunner, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	return &Dispatcher{
		registry: registry,
		exec:     exec,
		opaque:   opaque,
		pool:     NewPool(opts.Workers),
	}
}

// Process handles req synchronously. Failures of the request come back as
// an Exception response correlated to req; the returned error is set only
// for a tag outside the message type set.
func (d *Dispatcher) Process(ctx context.Context, from message.WorkerID, req *message.Message) (*message.Message, error) {
	if !req.Type.Valid() {
		atomic.AddUint64(&d.failed, 1)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, req.Type)
	}
	atomic.AddUint64(&d.processed, 1)

	resp, err := d.process(ctx, from, req)
	return d.respond(from, req, resp, err), nil
}

// Dispatch handles req and hands the response to reply, possibly from
// another goroutine. Control messages and the registry half of a remote
// create run before Dispatch returns, so registry effects keep the order
// in which a peer sent them. Operations run on the worker pool and
// fetches wait for their value on their own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, from message.WorkerID, req *message.Message, reply func(*message.Message)) error {
	if !req.Type.Valid() {
		atomic.AddUint64(&d.failed, 1)
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, req.Type)
	}
	atomic.AddUint64(&d.processed, 1)

	switch req.Type {
	case message.TypeDirectCall, message.TypeOpaqueCall:
		return d.pool.Go(ctx, func() {
			resp, err := d.process(ctx, from, req)
			reply(d.respond(from, req, resp, err))
		})

	case message.TypeRemoteCreate, message.TypeRemoteCreateOpaque:
		o, call, err := d.prepareCreate(from, req)
		if err != nil {
			reply(d.respond(from, req, nil, err))
			return nil
		}
		err = d.pool.Go(ctx, func() {
			resp, err := d.executeCreate(ctx, req, o, call)
			reply(d.respond(from, req, resp, err))
		})
		if err != nil {
			o.SetError(err)
		}
		return err

	case message.TypeFetch:
		o, fetch, err := d.prepareFetch(req)
		if err != nil {
			reply(d.respond(from, req, nil, err))
			return nil
		}
		d.fetches.Add(1)
		go func() {
			defer d.fetches.Done()
			resp, err := d.fetch(ctx, o, fetch)
			reply(d.respond(from, req, resp, err))
		}()
		return nil

	default:
		resp, err := d.control(from, req)
		reply(d.respond(from, req, resp, err))
		return nil
	}
}

// Wait blocks until every dispatched operation and fetch has replied.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
	d.fetches.Wait()
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed: atomic.LoadUint64(&d.processed),
		Failed:    atomic.LoadUint64(&d.failed),
		Running:   d.pool.Running(),
		Workers:   d.pool.Size(),
	}
}

func (d *Dispatcher) respond(from message.WorkerID, req, resp *message.Message, err error) *message.Message {
	if err != nil {
		atomic.AddUint64(&d.failed, 1)
		log.Debugf("%s from %s failed: %v", req, from, err)
		return message.NewException(req, err)
	}
	resp.ID = req.ID
	return resp
}

func (d *Dispatcher) process(ctx context.Context, from message.WorkerID, req *message.Message) (*message.Message, error) {
	switch req.Type {
	case message.TypeDirectCall:
		var call CallDescriptor
		if err := message.DecodePayload(req, &call); err != nil {
			return nil, err
		}
		v, err := d.execute(ctx, call.Op, req.Values)
		if err != nil {
			return nil, err
		}
		return message.NewMessage(message.TypeFetchResult, nil, v), nil

	case message.TypeOpaqueCall:
		out, err := d.runOpaque(ctx, req.Payload)
		if err != nil {
			return nil, err
		}
		return message.NewMessage(message.TypeOpaqueCallResult, out), nil

	case message.TypeRemoteCreate, message.TypeRemoteCreateOpaque:
		o, call, err := d.prepareCreate(from, req)
		if err != nil {
			return nil, err
		}
		return d.executeCreate(ctx, req, o, call)

	case message.TypeFetch:
		o, fetch, err := d.prepareFetch(req)
		if err != nil {
			return nil, err
		}
		return d.fetch(ctx, o, fetch)

	default:
		return d.control(from, req)
	}
}

func (d *Dispatcher) control(from message.WorkerID, req *message.Message) (*message.Message, error) {
	var err error
	switch req.Type {
	case message.TypeUserAccept:
		var ref rref.ForkRef
		if err = message.DecodePayload(req, &ref); err == nil {
			err = d.registry.FinishUserRRef(from, ref.RRefID, ref.ForkID)
		}

	case message.TypeUserDelete:
		var ref rref.ForkRef
		if err = message.DecodePayload(req, &ref); err == nil {
			err = d.registry.DelForkOfOwner(ref.RRefID, ref.ForkID)
		}

	case message.TypeForkNotify:
		var n rref.ForkNotify
		if err = message.DecodePayload(req, &n); err == nil {
			if n.Owner == d.registry.WorkerID() {
				err = d.registry.AcceptForkRequest(n.RRefID, n.ForkID, n.Dst)
			} else {
				err = d.registry.ReceiveForkGrant(n.Owner, n.RRefID, n.ForkID)
			}
		}

	case message.TypeForkAccept:
		var ref rref.ForkRef
		if err = message.DecodePayload(req, &ref); err == nil {
			err = d.registry.FinishForkRequest(ref.RRefID, ref.ForkID)
		}

	default:
		err = fmt.Errorf("%w: %s from %s", ErrUnexpectedMessage, req.Type, from)
	}

	if err != nil {
		return nil, err
	}
	return message.NewAck(req), nil
}

func (d *Dispatcher) prepareCreate(from message.WorkerID, req *message.Message) (*rref.OwnerRRef, RemoteCall, error) {
	var call RemoteCall
	if err := message.DecodePayload(req, &call); err != nil {
		return nil, call, err
	}

	o, err := d.registry.GetOrCreateOwner(call.RRefID)
	if err != nil {
		return nil, call, err
	}
	if call.ForkID != call.RRefID {
		if err := d.registry.AcceptUserRRef(call.RRefID, call.ForkID, from); err != nil {
			return nil, call, err
		}
	}
	return o, call, nil
}

func (d *Dispatcher) executeCreate(ctx context.Context, req *message.Message, o *rref.OwnerRRef, call RemoteCall) (*message.Message, error) {
	if req.Type == message.TypeRemoteCreateOpaque {
		out, err := d.runOpaque(ctx, call.UDF)
		if err != nil {
			o.SetError(err)
			return nil, err
		}
		if err := o.SetOpaqueValue(out); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", call.RRefID, err)
		}
		return message.NewAck(req), nil
	}

	v, err := d.execute(ctx, call.Op, req.Values)
	if err != nil {
		o.SetError(err)
		return nil, err
	}
	if err := o.SetValue(v); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", call.RRefID, err)
	}
	return message.NewAck(req), nil
}

func (d *Dispatcher) prepareFetch(req *message.Message) (*rref.OwnerRRef, rref.FetchRequest, error) {
	var fetch rref.FetchRequest
	if err := message.DecodePayload(req, &fetch); err != nil {
		return nil, fetch, err
	}
	o, err := d.registry.GetOrCreateOwner(fetch.RRefID)
	if err != nil {
		return nil, fetch, err
	}
	return o, fetch, nil
}

func (d *Dispatcher) fetch(ctx context.Context, o *rref.OwnerRRef, fetch rref.FetchRequest) (*message.Message, error) {
	v, err := o.GetValue(ctx)
	if err != nil {
		return nil, err
	}

	if o.IsOpaque() {
		data, _ := v.([]byte)
		return message.NewMessage(message.TypeFetchResult, data), nil
	}
	if fetch.Opaque {
		if d.opaque == nil {
			return nil, fmt.Errorf("%w: serialize %s", ErrNoExecutor, fetch.RRefID)
		}
		data, err := d.opaque.Serialize(v)
		if err != nil {
			return nil, err
		}
		return message.NewMessage(message.TypeFetchResult, data), nil
	}
	return message.NewMessage(message.TypeFetchResult, nil, v), nil
}

func (d *Dispatcher) execute(ctx context.Context, op string, inputs []message.Value) (message.Value, error) {
	if d.exec == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoExecutor, op)
	}
	outputs, err := d.exec.Execute(ctx, op, inputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, &ArityError{Op: op, Got: len(outputs)}
	}
	return outputs[0], nil
}

func (d *Dispatcher) runOpaque(ctx context.Context, udf []byte) ([]byte, error) {
	if d.opaque == nil {
		return nil, fmt.Errorf("%w: opaque call", ErrNoExecutor)
	}
	return d.opaque.RunOpaque(ctx, udf)
}
