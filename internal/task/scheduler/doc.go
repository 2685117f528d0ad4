// Package scheduler drives due-job discovery on a fixed tick and runs
// periodic maintenance entries (reclaim, retention, memory checks).
//
// A tick only admits work: it asks the store for due jobs, hands each to the
// executor on its own goroutine and returns. Ticks never overlap.
package scheduler
