package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"faculty/internal/protocol"

	"golang.org/x/sync/semaphore"
)

// transmitter owns everything that touches the wire on the way out: envelope
// encoding, acknowledgements, the outbound call cap and retransmission.
type transmitter struct {
	ep    *Endpoint
	slots *semaphore.Weighted
	acks  *ackBatch
	ring  *dedupRing

	mu          sync.Mutex
	outstanding map[string]*outstanding
	stopped     bool
}

// outstanding is a sent call, return or loop request that has not been
// acknowledged or answered yet.
type outstanding struct {
	env   protocol.Envelope
	timer *time.Timer
}

func newTransmitter(ep *Endpoint) *transmitter {
	tx := &transmitter{
		ep:          ep,
		slots:       semaphore.NewWeighted(int64(ep.opts.MaxOutboundCalls)),
		ring:        newDedupRing(ep.opts.DedupWindow),
		outstanding: make(map[string]*outstanding),
	}
	tx.acks = newAckBatch(ep.opts.Tuning.AckDelay, tx.sendAck)
	return tx
}

// acquire waits for an outbound call slot for at most Tuning.SlotWait.
func (tx *transmitter) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, tx.ep.opts.Tuning.SlotWait)
	defer cancel()
	if err := tx.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return wrapError(CodeBackpressure, ErrBackpressure, "rpc: no outbound call slot after %s (limit %d)",
			tx.ep.opts.Tuning.SlotWait, tx.ep.opts.MaxOutboundCalls)
	}
	return nil
}

func (tx *transmitter) release() {
	tx.slots.Release(1)
}

// output sends env. Calls, returns and loop requests are armed for
// retransmission before they hit the wire so that an answer racing the
// send still finds them.
func (tx *transmitter) output(env protocol.Envelope) error {
	retransmit := env.Call != nil || env.Return != nil || (env.Loop != nil && env.Loop.Request != nil)
	if retransmit {
		tx.track(env)
	}
	if err := tx.send(env); err != nil {
		if retransmit {
			tx.settle(env.ID)
		}
		return err
	}
	return nil
}

func (tx *transmitter) send(env protocol.Envelope) error {
	if tx.ep.frozen.Load() {
		return wrapError(CodeDestroyed, ErrDestroyed, "rpc: endpoint destroyed")
	}
	line, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	if err := tx.ep.sink(string(line)); err != nil {
		return wrapError(CodeTransport, err, "rpc: transport send failed: %v", err)
	}
	return nil
}

func (tx *transmitter) track(env protocol.Envelope) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.stopped {
		return
	}
	id := env.ID
	tx.outstanding[id] = &outstanding{
		env:   env,
		timer: time.AfterFunc(tx.ep.opts.Tuning.ResendAfter, func() { tx.resend(id) }),
	}
}

// settle stops retransmitting id.
func (tx *transmitter) settle(id string) {
	tx.mu.Lock()
	if o, ok := tx.outstanding[id]; ok {
		o.timer.Stop()
		delete(tx.outstanding, id)
	}
	tx.mu.Unlock()
}

func (tx *transmitter) resend(id string) {
	tx.mu.Lock()
	o, ok := tx.outstanding[id]
	if !ok || tx.stopped {
		tx.mu.Unlock()
		return
	}
	if o.env.Resends >= tx.ep.opts.Tuning.MaxResends {
		delete(tx.outstanding, id)
		tx.mu.Unlock()
		tx.ep.stats.abandoned.Add(1)
		tx.ep.log.Warn("message abandoned after retransmissions", "id", id, "resends", o.env.Resends)
		return
	}
	o.env.Resends++
	env := o.env
	o.timer = time.AfterFunc(tx.ep.opts.Tuning.ResendAfter, func() { tx.resend(id) })
	tx.mu.Unlock()

	tx.ep.stats.resends.Add(1)
	tx.ep.log.Debug("retransmitting", "id", id, "resends", env.Resends)
	if err := tx.send(env); err != nil {
		tx.ep.log.Warn("retransmission failed", "id", id, "err", err.Error())
	}
}

// duplicate reports whether call id was seen before. Duplicates are
// acknowledged at once and must not be dispatched.
func (tx *transmitter) duplicate(id string) bool {
	if !tx.ring.observe(id) {
		return false
	}
	tx.ep.stats.duplicates.Add(1)
	tx.sendAck([]string{id})
	return true
}

// ackLater queues id for the next debounced ack envelope.
func (tx *transmitter) ackLater(id string) {
	tx.acks.add(id)
}

func (tx *transmitter) sendAck(ids []string) {
	err := tx.send(protocol.Envelope{
		ID:  tx.ep.opts.NewID(),
		Ack: &protocol.Ack{IDs: ids},
	})
	if err != nil {
		tx.ep.log.Debug("ack not sent", "ids", len(ids), "err", err.Error())
		return
	}
	tx.ep.stats.acksSent.Add(1)
}

// slowCallAck acknowledges id again if the local invocation is still
// running after Tuning.SlowCallAck. The caller must stop the timer.
func (tx *transmitter) slowCallAck(id string) *time.Timer {
	return time.AfterFunc(tx.ep.opts.Tuning.SlowCallAck, func() {
		tx.sendAck([]string{id})
	})
}

func (tx *transmitter) replyData(callID string, result any) {
	var meta *protocol.Meta
	if w, ok := result.(Wrapper); ok {
		result, meta = w.WireValue()
	}
	data, err := marshalValue(result)
	if err != nil {
		tx.replyError(callID, &Error{
			Code:    CodeApplication,
			Message: fmt.Sprintf("rpc: result is not serializable: %v", err),
			Handled: true,
		})
		return
	}
	tx.reply(protocol.Return{Message: callID, Type: protocol.ReturnData, Data: data, Meta: meta})
}

func (tx *transmitter) replyError(callID string, e *Error) {
	tx.reply(protocol.Return{Message: callID, Type: protocol.ReturnData, Error: e.toWire()})
}

func (tx *transmitter) reply(ret protocol.Return) {
	env := protocol.Envelope{ID: tx.ep.opts.NewID(), Return: &ret}
	if err := tx.output(env); err != nil {
		tx.ep.log.Warn("reply not sent", "call", ret.Message, "err", err.Error())
	}
}

func (tx *transmitter) stop() {
	tx.acks.stop()
	tx.mu.Lock()
	tx.stopped = true
	for id, o := range tx.outstanding {
		o.timer.Stop()
		delete(tx.outstanding, id)
	}
	tx.mu.Unlock()
}

func marshalValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
