package record

import (
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/lifecycle"
)

func (r *Recorder) read(s *stub, prop string) Handle {
	if IsReserved(prop) || r.Paused() {
		return Inert
	}
	id := r.reg.Register(prop, s.id)
	op := ir.Operation{Kind: ir.KindRead, Target: s.id, Property: prop, Result: id}
	if !r.commit(op, nil) {
		r.reg.Remove(id)
		return Inert
	}
	return r.newStub(id, s.id, prop)
}

func (r *Recorder) write(s *stub, prop string, value any) bool {
	if r.Paused() {
		return true
	}
	enc := r.encoder()
	op := ir.Operation{Kind: ir.KindWrite, Target: s.id, Property: prop, Value: enc.value(value)}
	r.commit(op, enc)
	return true
}

func (r *Recorder) invoke(s *stub, args []any) Handle {
	if r.Paused() {
		return Inert
	}
	enc := r.encoder()
	id := r.reg.Register(s.label, s.id)
	op := ir.Operation{
		Kind:     ir.KindInvoke,
		Target:   s.id,
		Args:     enc.args(args),
		Receiver: s.parent,
		Result:   id,
	}
	if !r.commit(op, enc) {
		r.reg.Remove(id)
		return Inert
	}
	return r.newStub(id, "", s.label)
}

func (r *Recorder) instantiate(s *stub, args []any) Handle {
	if r.Paused() {
		return Inert
	}
	enc := r.encoder()
	id := r.reg.Register(s.label, s.id)
	op := ir.Operation{
		Kind:        ir.KindInstantiate,
		Target:      s.id,
		Args:        enc.args(args),
		Constructed: s.label,
		Result:      id,
	}
	if !r.commit(op, enc) {
		r.reg.Remove(id)
		return Inert
	}
	return r.newStub(id, "", s.label)
}

// commit appends op together with what encoding it produced. It reports
// false when recording was paused in the meantime.
func (r *Recorder) commit(op ir.Operation, enc *encoder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return false
	}
	r.log = append(r.log, op)
	if enc != nil {
		r.transfers = append(r.transfers, enc.transfers...)
		r.callbacks = append(r.callbacks, enc.callbacks...)
	}
	r.scheduleLocked()
	return true
}

// newStub must be called without r.mu held: acquiring the id mirrors the
// change back into the recorder.
func (r *Recorder) newStub(id, parent ir.ID, label string) *stub {
	s := &stub{rec: r, id: id, parent: parent, label: label}
	s.token = r.life.Hold(id)
	s.cleanup = lifecycle.AttachCleanup(s, s.token)
	return s
}
