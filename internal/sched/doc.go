// Package sched provides the cooperative scheduler each context runs on.
//
// A context never executes its own state changes in parallel: recording,
// replay, message handling and bridged callbacks are posted as tasks and run
// one at a time in FIFO order. Loop drains tasks on a single goroutine;
// Manual runs them only when the owner calls Drain, which tests use as an
// explicit turn boundary.
//
// Nothing escapes a task: a panic is recovered, logged and the loop keeps
// going.
package sched
