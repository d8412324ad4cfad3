// Package plan defines the execution-plan IR for the kiln engine.
//
// A Plan is an ordered sequence of operation Records. Execution order is the
// sole expression of data dependency: record i may consume buffers produced
// by any record j < i, and no transform may reorder across a dependency.
//
// Records are a closed tagged variant over a fixed set of Kinds, so both the
// command-buffer assembler and the dispatcher can handle every kind
// exhaustively. Kernel payloads are carried as opaque, content-addressed
// KernelDescriptors: two descriptors with equal digests are the same kernel
// for caching purposes, regardless of how their bodies were produced.
package plan
