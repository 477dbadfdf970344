package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/roach88/mirage/internal/bridge"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/record"
)

// Request asks the peer to run a registered Evaluator.
type Request struct {
	Func string
	Args []any
}

// Func builds a Request for the evaluator registered under name. Args may
// hold handles, which the peer resolves to the real objects.
func Func(name string, args ...any) Request {
	return Request{Func: name, Args: args}
}

// EvaluateError is a failure reported by the peer.
type EvaluateError struct {
	Message string
}

func (e *EvaluateError) Error() string {
	return "evaluate: " + e.Message
}

// Evaluate leaves the record/replay model: it flushes pending operations,
// asks the peer for the real value behind v and waits for the answer.
//
// v may be a Handle, a map[string]any or []any of handles, a *RemoteValue,
// or a Request. Plain data comes back as Go values; objects that cannot be
// serialized come back as *RemoteValue.
func (s *Session) Evaluate(ctx context.Context, v any) (any, error) {
	m := protocol.Message{Type: protocol.TypeEvaluate}
	if req, ok := v.(Request); ok {
		m.Func = req.Func
		m.Args = make([]ir.IRValue, len(req.Args))
		for i, a := range req.Args {
			m.Args[i] = s.rec.Encode(a)
		}
	} else {
		m.Value = s.rec.Encode(v)
	}

	if err := s.rec.Flush(); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return s.request(ctx, m)
}

func (s *Session) request(ctx context.Context, m protocol.Message) (any, error) {
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.link.Request(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Type, err)
	}
	if resp.Error != "" {
		return nil, &EvaluateError{Message: resp.Error}
	}
	return s.importValue(resp.Value), nil
}

// RemoteValue is an object that stays in the peer's context. Its members
// are read one at a time with proxyGet.
type RemoteValue struct {
	id      ir.ID
	s       *Session
	token   *lifecycle.Token
	cleanup runtime.Cleanup
}

var _ record.Referent = (*RemoteValue)(nil)

// ID returns the identifier the peer bound the object to.
func (v *RemoteValue) ID() ir.ID {
	return v.id
}

// Ref implements record.Referent, so a RemoteValue can be passed back into
// recorded operations and evaluations.
func (v *RemoteValue) Ref() ir.ID {
	return v.id
}

// Get reads one member of the remote object.
func (v *RemoteValue) Get(ctx context.Context, prop string) (any, error) {
	return v.s.request(ctx, protocol.Message{Type: protocol.TypeProxyGet, ID: v.id, Property: prop})
}

// Close releases the remote object. The peer forgets it once no other
// holder references it.
func (v *RemoteValue) Close() error {
	v.cleanup.Stop()
	v.token.Release()
	return nil
}

func (s *Session) newRemoteValue(id ir.ID) *RemoteValue {
	v := &RemoteValue{id: id, s: s}
	v.token = s.life.Hold(id)
	v.cleanup = lifecycle.AttachCleanup(v, v.token)
	return v
}

// export encodes a value produced in this context for the peer. Plain data
// is copied; anything else is bound in the Reference Map under a fresh id
// and sent as a reference.
func (s *Session) export(v any) ir.IRValue {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}
	case record.Handle:
		// A stand-in rooted in the peer cannot be sent back.
		slog.Debug("round-trip stand-in sent as opaque", "id", val.ID())
		return ir.IROpaque{ID: val.ID()}
	case *RemoteValue:
		return ir.IROpaque{ID: val.id}
	case []any:
		arr := make(ir.IRArray, len(val))
		for i, e := range val {
			arr[i] = s.export(e)
		}
		return arr
	case map[string]any:
		obj := make(ir.IRObject, len(val))
		for k, e := range val {
			obj[k] = s.export(e)
		}
		return obj
	}

	if out, err := ir.FromGo(v); err == nil {
		return out
	}
	id := s.gen.Next()
	s.engine.Bind(id, v)
	return ir.IRRef{ID: id}
}

// importValue decodes an evaluate or proxyGet answer.
func (s *Session) importValue(v ir.IRValue) any {
	switch val := v.(type) {
	case ir.IRRef:
		return s.newRemoteValue(val.ID)
	case ir.IRChannel:
		return s.bridge.Import(val.ID)
	case ir.IROpaque:
		return nil
	case ir.IRArray:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = s.importValue(e)
		}
		return out
	case ir.IRObject:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = s.importValue(e)
		}
		return out
	default:
		return ir.ToGo(v)
	}
}

// marshaler converts callback arguments and return values. References in
// arguments become stand-ins rooted in the peer, so operations on them
// inside the callback are recorded and replayed there.
type marshaler struct {
	s *Session
}

var _ bridge.Marshaler = marshaler{}

func (m marshaler) Encode(v any) ir.IRValue {
	return m.s.export(v)
}

func (m marshaler) Decode(v ir.IRValue) any {
	switch val := v.(type) {
	case ir.IRRef:
		return m.s.rec.Adopt(val.ID, "arg")
	case ir.IRChannel:
		return m.s.bridge.Import(val.ID)
	case ir.IROpaque:
		return nil
	case ir.IRArray:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = m.Decode(e)
		}
		return out
	case ir.IRObject:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = m.Decode(e)
		}
		return out
	default:
		return ir.ToGo(v)
	}
}
