// Package transform routes decoded dataflash records to a fixed set of
// transformers, each of which may emit zero or more container-bound messages.
package transform

import (
	"go.viam.com/arducap/dataflash"
)

// Message is one output destined for the container, fully formed except for
// channel identity and sequencing, which the channel registry owns.
type Message struct {
	Topic          string
	SchemaName     string
	SchemaEncoding string
	SchemaData     []byte
	Payload        []byte
}

// Transformer consumes decoded records for the message types it opted into.
//
// Register is called once per definition frame and doubles as the
// subscription predicate: returning true subscribes the transformer to that
// type id, and the call may capture per-type state (a derived schema, a
// topic name) as a side effect. Transform is only ever invoked for type ids
// the transformer accepted, and only against the definition in effect when
// it accepted them.
type Transformer interface {
	Register(def *dataflash.Definition) bool
	Transform(rec *dataflash.Record) ([]Message, error)
}

// Dispatcher owns the transformer list and the per-type-id subscription
// table. Subscriptions for a type id are rebuilt from scratch whenever that
// id is redefined, so stale subscribers are dropped rather than accumulated.
type Dispatcher struct {
	transformers  []Transformer
	subscriptions map[uint8][]int
}

// NewDispatcher builds a dispatcher over the given transformers. Dispatch
// order follows the argument order.
func NewDispatcher(transformers ...Transformer) *Dispatcher {
	return &Dispatcher{
		transformers:  transformers,
		subscriptions: map[uint8][]int{},
	}
}

// Define offers a new (or redefined) message layout to every transformer and
// records which of them accepted it.
func (d *Dispatcher) Define(def *dataflash.Definition) {
	var accepted []int
	for i, t := range d.transformers {
		if t.Register(def) {
			accepted = append(accepted, i)
		}
	}
	d.subscriptions[def.TypeID] = accepted
}

// Dispatch delivers a record to the transformers subscribed to its type id,
// in list order, and collects everything they emit.
func (d *Dispatcher) Dispatch(rec *dataflash.Record) ([]Message, error) {
	var out []Message
	for _, i := range d.subscriptions[rec.TypeID] {
		msgs, err := d.transformers[i].Transform(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}
