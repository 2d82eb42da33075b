// Package queue provides an unbounded lock-free multi-producer
// single-consumer queue.
//
// Producers call Push from any goroutine and never block or drop. A single
// consumer calls Pop or Drain. An element whose Push is still in progress
// may be missed by one Pop and is returned by a later one.
package queue
