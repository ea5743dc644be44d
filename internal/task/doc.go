// Package task is the authoritative delegate task queue.
//
// Every state transition is a conditional update evaluated by the backend in
// one round trip (filter, mutate, return the new row). A nil result means the
// filter did not match, which is how callers learn they lost a claim race or
// that the task disappeared. No in-process lock participates in the claim.
package task
