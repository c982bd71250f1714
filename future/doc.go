// Package future implements a one-shot, generic async result cell with
// cancellation and timed wait, grounded on the teacher's
// eventloop.promise state machine (Pending/Resolved/Rejected) but
// generalized to an arbitrary result type T and given the
// deadline-tolerant timed-wait semantics spec.md §4.7 requires.
package future
