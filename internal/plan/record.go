package plan

import (
	"fmt"
	"strings"
)

// BufferID identifies a device buffer binding within a plan.
// Allocation policy is external; the engine only threads IDs through.
type BufferID string

// Buffers maps buffer IDs to their device-resident contents for one
// execution. Buffers are borrowed for the duration of a call and never
// retained past it.
type Buffers map[BufferID][]byte

// Kind enumerates the closed set of operation record kinds.
//
// The set is fixed on purpose: the assembler and the dispatcher switch over
// it exhaustively, so adding a kind is a compile-visible change at every
// handling site.
type Kind int

const (
	// KindCustomCall launches one compiled device kernel.
	KindCustomCall Kind = iota + 1

	// KindCommandBuffer replays a captured sub-sequence of records as a
	// single device submission. Produced by the assembler, never by plan
	// producers.
	KindCommandBuffer

	// KindDeviceCopy copies one device buffer into another.
	KindDeviceCopy

	// KindHostCallback runs a host-side function against the bound buffers.
	// Host-observable, therefore never captured into a command buffer.
	KindHostCallback
)

// String renders the kind in plan-dump notation.
func (k Kind) String() string {
	switch k {
	case KindCustomCall:
		return "kCustomCall"
	case KindCommandBuffer:
		return "kCommandBuffer"
	case KindDeviceCopy:
		return "kDeviceCopy"
	case KindHostCallback:
		return "kHostCallback"
	default:
		return fmt.Sprintf("kUnknown(%d)", int(k))
	}
}

// CaptureEligible reports whether records of this kind are safe to capture
// into a single device submission: no host-observable side effect other
// than device execution, and no change to buffers outside the run.
func (k Kind) CaptureEligible() bool {
	switch k {
	case KindCustomCall, KindDeviceCopy:
		return true
	case KindCommandBuffer, KindHostCallback:
		return false
	default:
		return false
	}
}

// HostFunc is a host-side callback bound to a KindHostCallback record.
type HostFunc func(bufs Buffers) error

// Record is one step of an execution plan: a tagged variant over Kind.
//
// Exactly one payload field is populated per kind: Descriptor for
// KindCustomCall, Captured for KindCommandBuffer, Callback for
// KindHostCallback. KindDeviceCopy carries only buffer bindings.
type Record struct {
	Kind    Kind
	Ordinal int

	// Inputs and Outputs are the bound buffer identifiers, in binding order.
	Inputs  []BufferID
	Outputs []BufferID

	// Descriptor is the opaque kernel payload (KindCustomCall only).
	Descriptor *KernelDescriptor

	// Captured is the ordered sub-sequence replayed as one submission
	// (KindCommandBuffer only). Records keep their pre-capture ordinals.
	Captured []Record

	// Callback is the host function (KindHostCallback only).
	Callback HostFunc
}

// validate checks the tagged-variant shape of a record.
func (r Record) validate() error {
	switch r.Kind {
	case KindCustomCall:
		if r.Descriptor == nil {
			return fmt.Errorf("record %d: custom call without kernel descriptor", r.Ordinal)
		}
	case KindCommandBuffer:
		if len(r.Captured) == 0 {
			return fmt.Errorf("record %d: command buffer with empty capture", r.Ordinal)
		}
		for _, c := range r.Captured {
			if !c.Kind.CaptureEligible() {
				return fmt.Errorf("record %d: captured %s is not capture-eligible", r.Ordinal, c.Kind)
			}
			if err := c.validate(); err != nil {
				return fmt.Errorf("record %d: %w", r.Ordinal, err)
			}
		}
	case KindDeviceCopy:
		if len(r.Inputs) != 1 || len(r.Outputs) != 1 {
			return fmt.Errorf("record %d: device copy needs exactly one input and one output", r.Ordinal)
		}
	case KindHostCallback:
		if r.Callback == nil {
			return fmt.Errorf("record %d: host callback without function", r.Ordinal)
		}
	default:
		return fmt.Errorf("record %d: unknown kind %d", r.Ordinal, int(r.Kind))
	}
	return nil
}

// Plan is an ordered sequence of operation records.
type Plan struct {
	records []Record
}

// New builds a plan from records in execution order. Top-level ordinals are
// normalized to positions 0..n-1; captured ordinals (if any) are preserved.
func New(records ...Record) (Plan, error) {
	recs := make([]Record, len(records))
	copy(recs, records)
	for i := range recs {
		recs[i].Ordinal = i
		if err := recs[i].validate(); err != nil {
			return Plan{}, err
		}
	}
	return Plan{records: recs}, nil
}

// MustNew is like New but panics on error. Use only in tests or when
// records are known to be well-formed.
func MustNew(records ...Record) Plan {
	p, err := New(records...)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of top-level records.
func (p Plan) Len() int { return len(p.records) }

// Records returns the plan's records in execution order.
// Callers must not modify the returned slice.
func (p Plan) Records() []Record { return p.records }

// Render produces the human-readable plan dump, one record per line in
// "%03d: kKind ..." notation. Captured records are indented beneath their
// command buffer with their pre-capture ordinals.
func (p Plan) Render() string {
	var b strings.Builder
	for _, r := range p.records {
		renderRecord(&b, r, "")
	}
	return b.String()
}

func renderRecord(b *strings.Builder, r Record, indent string) {
	switch r.Kind {
	case KindCustomCall:
		fmt.Fprintf(b, "%s%03d: %s %s#%s (%s) -> (%s)\n",
			indent, r.Ordinal, r.Kind, r.Descriptor.Name(), r.Descriptor.Digest().Short(),
			joinBuffers(r.Inputs), joinBuffers(r.Outputs))
	case KindCommandBuffer:
		fmt.Fprintf(b, "%s%03d: %s[%d]\n", indent, r.Ordinal, r.Kind, len(r.Captured))
		for _, c := range r.Captured {
			renderRecord(b, c, indent+"  ")
		}
	default:
		fmt.Fprintf(b, "%s%03d: %s (%s) -> (%s)\n",
			indent, r.Ordinal, r.Kind, joinBuffers(r.Inputs), joinBuffers(r.Outputs))
	}
}

func joinBuffers(ids []BufferID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}
