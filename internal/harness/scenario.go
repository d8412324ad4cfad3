package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kiln-gpu/kiln/internal/plan"
	"github.com/kiln-gpu/kiln/internal/toolchain"
)

// Scenario defines one conformance scenario.
//
// Kernel bodies are the simulated toolchain's program format. Buffers carry
// initial int32 element values; the step list references kernels and
// buffers by name.
type Scenario struct {
	// Name uniquely identifies this scenario. It doubles as the golden
	// file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Kernels maps kernel name to serialized kernel body.
	Kernels map[string]string `yaml:"kernels"`

	// Buffers maps buffer name to initial element values.
	Buffers map[string][]int32 `yaml:"buffers"`

	// Steps is the ordered execution plan.
	Steps []ScenarioStep `yaml:"steps"`

	// Expect pins final element values per buffer. Subset match: buffers
	// not listed are unchecked.
	Expect map[string][]int32 `yaml:"expect,omitempty"`

	// MinRunLength overrides the batching threshold for the batched run.
	// Zero means the engine default.
	MinRunLength int `yaml:"min_run_length,omitempty"`
}

// ScenarioStep is one step: a kernel call or a device copy.
type ScenarioStep struct {
	// Call names a kernel from the Kernels map. Empty for copies.
	Call    string   `yaml:"call,omitempty"`
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`

	// Copy describes a device copy. Mutually exclusive with Call.
	Copy *ScenarioCopy `yaml:"copy,omitempty"`
}

// ScenarioCopy is a device copy between two named buffers.
type ScenarioCopy struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and consistent.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Kernels) == 0 {
		return fmt.Errorf("kernels map is required and must be non-empty")
	}
	if len(s.Buffers) == 0 {
		return fmt.Errorf("buffers map is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.MinRunLength < 0 {
		return fmt.Errorf("min_run_length must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, &step); err != nil {
			return err
		}
	}

	for name := range s.Expect {
		if _, ok := s.Buffers[name]; !ok {
			return fmt.Errorf("expect: unknown buffer %q", name)
		}
	}

	return nil
}

func validateStep(s *Scenario, index int, step *ScenarioStep) error {
	if step.Copy != nil {
		if step.Call != "" {
			return fmt.Errorf("steps[%d]: call and copy are mutually exclusive", index)
		}
		for _, b := range []string{step.Copy.From, step.Copy.To} {
			if _, ok := s.Buffers[b]; !ok {
				return fmt.Errorf("steps[%d]: unknown buffer %q", index, b)
			}
		}
		return nil
	}

	if step.Call == "" {
		return fmt.Errorf("steps[%d]: step needs either call or copy", index)
	}
	if _, ok := s.Kernels[step.Call]; !ok {
		return fmt.Errorf("steps[%d]: unknown kernel %q", index, step.Call)
	}
	for _, b := range append(append([]string{}, step.Inputs...), step.Outputs...) {
		if _, ok := s.Buffers[b]; !ok {
			return fmt.Errorf("steps[%d]: unknown buffer %q", index, b)
		}
	}
	return nil
}

// Plan builds the execution plan the scenario describes. Steps calling the
// same kernel share one descriptor, hence one cache identity.
func (s *Scenario) Plan() (plan.Plan, error) {
	descriptors := make(map[string]*plan.KernelDescriptor, len(s.Kernels))
	for name, body := range s.Kernels {
		descriptors[name] = plan.NewKernelDescriptor(name, []byte(body))
	}

	records := make([]plan.Record, 0, len(s.Steps))
	for _, step := range s.Steps {
		if step.Copy != nil {
			records = append(records, plan.Record{
				Kind:    plan.KindDeviceCopy,
				Inputs:  []plan.BufferID{plan.BufferID(step.Copy.From)},
				Outputs: []plan.BufferID{plan.BufferID(step.Copy.To)},
			})
			continue
		}
		records = append(records, plan.Record{
			Kind:       plan.KindCustomCall,
			Inputs:     toBufferIDs(step.Inputs),
			Outputs:    toBufferIDs(step.Outputs),
			Descriptor: descriptors[step.Call],
		})
	}
	return plan.New(records...)
}

// AllocateBuffers builds a fresh buffer set from the scenario's initial
// element values. Each call returns independent copies, so the two harness
// runs never share backing storage.
func (s *Scenario) AllocateBuffers() plan.Buffers {
	bufs := make(plan.Buffers, len(s.Buffers))
	for name, vals := range s.Buffers {
		b := make([]byte, len(vals)*4)
		toolchain.EncodeInt32s(b, vals)
		bufs[plan.BufferID(name)] = b
	}
	return bufs
}

func toBufferIDs(names []string) []plan.BufferID {
	ids := make([]plan.BufferID, len(names))
	for i, n := range names {
		ids[i] = plan.BufferID(n)
	}
	return ids
}
