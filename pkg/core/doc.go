// Package core defines the shared language of the fieldflow engine.
//
// This package contains:
//   - Field metadata (FieldKind, FieldDescriptor and its option types)
//   - Dependency graph entities (ReferenceEdge)
//   - Recomputation plans (Step, Plan, ComputedImpact)
//   - Durable queue entities (OutboxTask, DeadLetterEntry, RunProgress)
//   - Sentinel and typed errors shared across packages
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
