package toolchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// kernelProgram is the simulated kernel body format: a single-instruction
// YAML program over little-endian int32 element buffers.
//
//	op: fill | add | scale | copy
//	value: 7          # fill/scale operand, and add fallback when only one input is bound
type kernelProgram struct {
	Op    string `yaml:"op"`
	Value int32  `yaml:"value"`
}

// Sim is an in-process device toolchain. It interprets kernelProgram
// bodies, tracks loaded modules, and counts compilations, invocations and
// submissions so tests can assert exactly-once and batching properties.
//
// Failure injection: CompileHook and InvokeHook run before the respective
// operation and abort it when they return an error.
//
// Thread-safety: safe for concurrent use.
type Sim struct {
	mu       sync.Mutex
	nextID   int
	loaded   map[string]*simModule
	compiles int
	invokes  int
	submits  int

	// CompileHook, when set, runs before every compilation.
	CompileHook func(body []byte) error
	// InvokeHook, when set, runs before every kernel launch, including
	// launches inside a submission.
	InvokeHook func(m Module) error
}

// NewSim creates an empty simulated toolchain.
func NewSim() *Sim {
	return &Sim{loaded: make(map[string]*simModule)}
}

type simModule struct {
	id      string
	program kernelProgram
}

func (m *simModule) ID() string { return m.id }

// Compile parses the kernel body and loads a module. Malformed bodies and
// unknown ops are compilation failures.
func (s *Sim) Compile(ctx context.Context, body []byte) (Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.CompileHook != nil {
		if err := s.CompileHook(body); err != nil {
			return nil, err
		}
	}

	var prog kernelProgram
	if err := yaml.Unmarshal(body, &prog); err != nil {
		return nil, fmt.Errorf("parse kernel program: %w", err)
	}
	switch prog.Op {
	case "fill", "add", "scale", "copy":
	case "":
		return nil, fmt.Errorf("kernel program missing op")
	default:
		return nil, fmt.Errorf("unknown kernel op %q", prog.Op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.compiles++
	s.nextID++
	m := &simModule{
		id:      fmt.Sprintf("m%d", s.nextID),
		program: prog,
	}
	s.loaded[m.id] = m
	return m, nil
}

// Invoke runs one module against bound buffers.
func (s *Sim) Invoke(ctx context.Context, m Module, inputs, outputs [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sm, err := s.lookup(m)
	if err != nil {
		return err
	}
	if s.InvokeHook != nil {
		if err := s.InvokeHook(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.invokes++
	s.mu.Unlock()

	return runProgram(sm.program, inputs, outputs)
}

// Submit runs the launch sequence in order as one submission.
func (s *Sim) Submit(ctx context.Context, launches []Launch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.submits++
	s.mu.Unlock()

	for i, l := range launches {
		switch l.Kind {
		case LaunchKernel:
			sm, err := s.lookup(l.Module)
			if err != nil {
				return fmt.Errorf("launch %d: %w", i, err)
			}
			if s.InvokeHook != nil {
				if err := s.InvokeHook(l.Module); err != nil {
					return fmt.Errorf("launch %d: %w", i, err)
				}
			}
			if err := runProgram(sm.program, l.Inputs, l.Outputs); err != nil {
				return fmt.Errorf("launch %d: %w", i, err)
			}
		case LaunchCopy:
			if len(l.Inputs) != 1 || len(l.Outputs) != 1 {
				return fmt.Errorf("launch %d: copy needs exactly one input and one output", i)
			}
			if err := copyBuffer(l.Outputs[0], l.Inputs[0]); err != nil {
				return fmt.Errorf("launch %d: %w", i, err)
			}
		default:
			return fmt.Errorf("launch %d: unknown launch kind %d", i, int(l.Kind))
		}
	}
	return nil
}

// Unload releases a module. Unloading twice, or unloading a module this
// toolchain never compiled, is an error.
func (s *Sim) Unload(m Module) error {
	sm, ok := m.(*simModule)
	if !ok {
		return fmt.Errorf("unload: foreign module %T", m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loaded[sm.id]; !ok {
		return fmt.Errorf("unload: module %s is not loaded", sm.id)
	}
	delete(s.loaded, sm.id)
	return nil
}

func (s *Sim) lookup(m Module) (*simModule, error) {
	sm, ok := m.(*simModule)
	if !ok {
		return nil, fmt.Errorf("foreign module %T", m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loaded[sm.id]; !ok {
		return nil, fmt.Errorf("module %s is not loaded", sm.id)
	}
	return sm, nil
}

// CompileCount returns how many compilations completed.
func (s *Sim) CompileCount() int { return s.counter(&s.compiles) }

// InvokeCount returns how many single-module invocations ran.
func (s *Sim) InvokeCount() int { return s.counter(&s.invokes) }

// SubmitCount returns how many command-buffer submissions ran.
func (s *Sim) SubmitCount() int { return s.counter(&s.submits) }

// LoadedCount returns how many modules are currently loaded.
func (s *Sim) LoadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loaded)
}

func (s *Sim) counter(p *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *p
}

// runProgram interprets one kernel program over int32 element buffers.
func runProgram(prog kernelProgram, inputs, outputs [][]byte) error {
	switch prog.Op {
	case "fill":
		if len(outputs) != 1 {
			return fmt.Errorf("fill needs exactly one output")
		}
		out := DecodeInt32s(outputs[0])
		for i := range out {
			out[i] = prog.Value
		}
		EncodeInt32s(outputs[0], out)
		return nil

	case "add":
		if len(outputs) != 1 {
			return fmt.Errorf("add needs exactly one output")
		}
		switch len(inputs) {
		case 1:
			// One input: add the immediate operand.
			return mapElems(inputs[0], outputs[0], func(x int32) int32 { return x + prog.Value })
		case 2:
			a := DecodeInt32s(inputs[0])
			b := DecodeInt32s(inputs[1])
			out := DecodeInt32s(outputs[0])
			if len(a) != len(b) || len(a) != len(out) {
				return fmt.Errorf("add: element count mismatch")
			}
			for i := range out {
				out[i] = a[i] + b[i]
			}
			EncodeInt32s(outputs[0], out)
			return nil
		default:
			return fmt.Errorf("add needs one or two inputs")
		}

	case "scale":
		if len(inputs) != 1 || len(outputs) != 1 {
			return fmt.Errorf("scale needs exactly one input and one output")
		}
		return mapElems(inputs[0], outputs[0], func(x int32) int32 { return x * prog.Value })

	case "copy":
		if len(inputs) != 1 || len(outputs) != 1 {
			return fmt.Errorf("copy needs exactly one input and one output")
		}
		return copyBuffer(outputs[0], inputs[0])

	default:
		return fmt.Errorf("unknown kernel op %q", prog.Op)
	}
}

func mapElems(in, out []byte, f func(int32) int32) error {
	src := DecodeInt32s(in)
	dst := DecodeInt32s(out)
	if len(src) != len(dst) {
		return fmt.Errorf("element count mismatch: %d != %d", len(src), len(dst))
	}
	for i := range dst {
		dst[i] = f(src[i])
	}
	EncodeInt32s(out, dst)
	return nil
}

func copyBuffer(dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("copy: size mismatch: %d != %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// DecodeInt32s interprets a buffer as little-endian int32 elements.
func DecodeInt32s(buf []byte) []int32 {
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// EncodeInt32s writes int32 elements back into a buffer in little-endian
// order. The buffer must hold at least len(vals) elements.
func EncodeInt32s(buf []byte, vals []int32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
}
