// Package harness runs record/replay scenarios described in YAML.
//
// A scenario drives a Recorder through a list of steps against a stand-in
// root, journals every flushed batch in an in-memory store, claims and
// replays each batch against a target document, and checks assertions
// against the resulting trace and the target's final state.
//
// # Scenario Format
//
//	name: vivify_write
//	description: "A write through a vivified member"
//	context: t
//	auto_vivify: true
//	target:
//	  existing: { n: 1 }
//	builtins: [call, Point]
//	steps:
//	  - op: read
//	    prop: a
//	    as: a
//	  - op: write
//	    on: a
//	    prop: value
//	    value: "x"
//	  - op: flush
//	assertions:
//	  - type: final_state
//	    path: a.value
//	    expect: "x"
//
// Step operations are read, write, invoke and instantiate (recorded on the
// handle named by "on", default root), plus pause, resume, flush, close
// and pending. A final flush runs after the last step.
//
// Values in value and args are literal YAML data, except:
//
//   - "$name" refers to the handle stored with "as: name" ("$$" escapes a
//     leading dollar sign)
//   - {$buffer: text} is a transferable buffer holding text
//   - {$callback: name} is a callable whose invocations appear in the
//     trace; the same name always yields the same callable
//
// # Assertion Types
//
//   - trace_contains: an operation of kind (and property) was replayed
//   - trace_order: operations appear in the given order
//   - trace_count: an operation appears exactly N times
//   - final_state: the value at a dotted path of the target
//   - error_code: the replayed operation at seq failed with a code
//   - callback_count: a scenario callback ran exactly N times
//
// # Deterministic Testing
//
// Identifiers come from a fixed generator namespace (scenario.context,
// default "t"), so traces are identical across runs and can be compared
// against golden files.
package harness
