// Package verify checks telemetry against expected values.
//
// A Condition compares one telemetry item with a Comparator. Conditions are
// the leaves of an expression tree whose groups fold with AND or OR. The
// Evaluator runs one Task per leaf concurrently; each task polls its item up
// to Retries+1 times, waiting for fresh samples bounded by Timeout, and
// records its progress in a shared Table that forwards every change to the
// notification sink. Once all leaves finish, the verdict is folded bottom-up
// and a single report is published.
//
// A stopped leaf (execution aborted) makes the whole evaluation stopped,
// which is never true.
package verify
