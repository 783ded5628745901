// Package scheduler drives reminder delivery. It keeps a single timer armed
// for the earliest pending reminder and, when it fires, claims everything due,
// re-inserts the next occurrence for recurring kinds and hands the claimed
// batch to the dispatcher.
package scheduler
