// Package serial runs work one unit at a time in FIFO order, with pausing and
// a cancel-or-coalesce rule for work bound to recyclable targets.
package serial
