// Package errgroup is a panic-safe variant of golang.org/x/sync/errgroup
// with an optional concurrency cap. The sender and dispatcher loops use it
// to fan claimed rows out.
package errgroup
