// Package manifest loads CUE-defined plan manifests: the kernels a program
// ships, the buffers it binds, and the ordered steps of its execution plan.
//
// The manifest is the external producer's surface. The engine itself only
// ever sees the resulting plan.Plan; kernel bodies stay opaque bytes.
//
// Manifest shape:
//
//	manifest: {
//		name: "demo"
//		kernels: fill7: body: "op: fill\nvalue: 7\n"
//		buffers: b0: 4          // element count
//		steps: [
//			{call: "fill7", outputs: ["b0"]},
//			{copy: {from: "b0", to: "b1"}},
//		]
//	}
package manifest

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/kiln-gpu/kiln/internal/plan"
)

// Kernel is one named kernel definition.
type Kernel struct {
	// Body is the opaque serialized kernel program.
	Body []byte
}

// CopySpec is a device-copy step.
type CopySpec struct {
	From string
	To   string
}

// Step is one manifest step: either a kernel call or a copy.
type Step struct {
	Call    string // kernel name, empty for copies
	Inputs  []string
	Outputs []string
	Copy    *CopySpec
}

// Manifest is a compiled plan manifest.
type Manifest struct {
	Name    string
	Kernels map[string]Kernel
	Buffers map[string]int // buffer name -> element count
	Steps   []Step
}

// CompileError reports a manifest compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFile reads and compiles a manifest from a .cue file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("manifest"))
	if !root.Exists() {
		return nil, &CompileError{
			Field:   "manifest",
			Message: "top-level manifest struct is required",
			Pos:     v.Pos(),
		}
	}
	return Compile(root)
}

// Compile parses a CUE value into a Manifest. The value should be the
// manifest struct itself.
func Compile(v cue.Value) (*Manifest, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{
		Kernels: make(map[string]Kernel),
		Buffers: make(map[string]int),
	}

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return nil, &CompileError{Field: "name", Message: "name is required", Pos: v.Pos()}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	m.Name = name

	if err := parseKernels(v, m); err != nil {
		return nil, err
	}
	if len(m.Kernels) == 0 {
		return nil, &CompileError{Field: "kernels", Message: "at least one kernel is required", Pos: v.Pos()}
	}

	if err := parseBuffers(v, m); err != nil {
		return nil, err
	}

	if err := parseSteps(v, m); err != nil {
		return nil, err
	}
	if len(m.Steps) == 0 {
		return nil, &CompileError{Field: "steps", Message: "at least one step is required", Pos: v.Pos()}
	}

	return m, nil
}

func parseKernels(v cue.Value, m *Manifest) error {
	kernelsVal := v.LookupPath(cue.ParsePath("kernels"))
	if !kernelsVal.Exists() {
		return &CompileError{Field: "kernels", Message: "kernels is required", Pos: v.Pos()}
	}

	iter, err := kernelsVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		bodyVal := iter.Value().LookupPath(cue.ParsePath("body"))
		if !bodyVal.Exists() {
			return &CompileError{
				Field:   "kernels." + name,
				Message: "body is required",
				Pos:     iter.Value().Pos(),
			}
		}
		body, err := bodyVal.String()
		if err != nil {
			return formatCUEError(err)
		}
		m.Kernels[name] = Kernel{Body: []byte(body)}
	}
	return nil
}

func parseBuffers(v cue.Value, m *Manifest) error {
	buffersVal := v.LookupPath(cue.ParsePath("buffers"))
	if !buffersVal.Exists() {
		return &CompileError{Field: "buffers", Message: "buffers is required", Pos: v.Pos()}
	}

	iter, err := buffersVal.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		elems, err := iter.Value().Int64()
		if err != nil {
			return formatCUEError(err)
		}
		if elems <= 0 {
			return &CompileError{
				Field:   "buffers." + name,
				Message: fmt.Sprintf("element count must be positive, got %d", elems),
				Pos:     iter.Value().Pos(),
			}
		}
		m.Buffers[name] = int(elems)
	}
	return nil
}

func parseSteps(v cue.Value, m *Manifest) error {
	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return &CompileError{Field: "steps", Message: "steps is required", Pos: v.Pos()}
	}

	iter, err := stepsVal.List()
	if err != nil {
		return formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		step, err := parseStep(iter.Value(), i, m)
		if err != nil {
			return err
		}
		m.Steps = append(m.Steps, step)
	}
	return nil
}

func parseStep(v cue.Value, index int, m *Manifest) (Step, error) {
	field := fmt.Sprintf("steps[%d]", index)

	copyVal := v.LookupPath(cue.ParsePath("copy"))
	if copyVal.Exists() {
		from, err := copyVal.LookupPath(cue.ParsePath("from")).String()
		if err != nil {
			return Step{}, formatCUEError(err)
		}
		to, err := copyVal.LookupPath(cue.ParsePath("to")).String()
		if err != nil {
			return Step{}, formatCUEError(err)
		}
		for _, b := range []string{from, to} {
			if _, ok := m.Buffers[b]; !ok {
				return Step{}, &CompileError{
					Field:   field,
					Message: fmt.Sprintf("unknown buffer %q", b),
					Pos:     copyVal.Pos(),
				}
			}
		}
		return Step{Copy: &CopySpec{From: from, To: to}}, nil
	}

	callVal := v.LookupPath(cue.ParsePath("call"))
	if !callVal.Exists() {
		return Step{}, &CompileError{
			Field:   field,
			Message: "step needs either call or copy",
			Pos:     v.Pos(),
		}
	}
	call, err := callVal.String()
	if err != nil {
		return Step{}, formatCUEError(err)
	}
	if _, ok := m.Kernels[call]; !ok {
		return Step{}, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unknown kernel %q", call),
			Pos:     callVal.Pos(),
		}
	}

	inputs, err := parseBufferRefs(v, "inputs", field, m)
	if err != nil {
		return Step{}, err
	}
	outputs, err := parseBufferRefs(v, "outputs", field, m)
	if err != nil {
		return Step{}, err
	}

	return Step{Call: call, Inputs: inputs, Outputs: outputs}, nil
}

func parseBufferRefs(v cue.Value, key, field string, m *Manifest) ([]string, error) {
	listVal := v.LookupPath(cue.ParsePath(key))
	if !listVal.Exists() {
		return nil, nil
	}
	iter, err := listVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var refs []string
	for iter.Next() {
		ref, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if _, ok := m.Buffers[ref]; !ok {
			return nil, &CompileError{
				Field:   field + "." + key,
				Message: fmt.Sprintf("unknown buffer %q", ref),
				Pos:     iter.Value().Pos(),
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Plan builds the execution plan the manifest describes. Kernel calls
// reusing the same definition share one descriptor, so they resolve to one
// cache identity at run time.
func (m *Manifest) Plan() (plan.Plan, error) {
	descriptors := make(map[string]*plan.KernelDescriptor, len(m.Kernels))
	for name, k := range m.Kernels {
		descriptors[name] = plan.NewKernelDescriptor(name, k.Body)
	}

	records := make([]plan.Record, 0, len(m.Steps))
	for _, s := range m.Steps {
		if s.Copy != nil {
			records = append(records, plan.Record{
				Kind:    plan.KindDeviceCopy,
				Inputs:  []plan.BufferID{plan.BufferID(s.Copy.From)},
				Outputs: []plan.BufferID{plan.BufferID(s.Copy.To)},
			})
			continue
		}
		records = append(records, plan.Record{
			Kind:       plan.KindCustomCall,
			Inputs:     bufferIDs(s.Inputs),
			Outputs:    bufferIDs(s.Outputs),
			Descriptor: descriptors[s.Call],
		})
	}
	return plan.New(records...)
}

// AllocateBuffers builds zero-initialized buffers for every declared
// buffer, four bytes per element.
func (m *Manifest) AllocateBuffers() plan.Buffers {
	bufs := make(plan.Buffers, len(m.Buffers))
	for name, elems := range m.Buffers {
		bufs[plan.BufferID(name)] = make([]byte, elems*4)
	}
	return bufs
}

func bufferIDs(names []string) []plan.BufferID {
	ids := make([]plan.BufferID, len(names))
	for i, n := range names {
		ids[i] = plan.BufferID(n)
	}
	return ids
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
