// Package harness runs conformance scenarios against the engine.
//
// A scenario is a YAML file naming kernels, initial buffer contents, and an
// ordered step list. The harness executes the plan twice, once with
// batching disabled and once through the assembler, and verifies that
// command-buffer capture never changes observable results. Golden files
// pin the rendered plans and final buffer state for regression detection.
package harness
