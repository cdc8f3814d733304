// Package delivery holds the message lifecycle shared by the outbox and the
// inbox: the status machine, the claim predicate, the retry schedule,
// deterministic row ids, failure serialization, the polling Loop and the
// retention Cleaner.
//
// Rows are coordinated across instances with optimistic concurrency tokens
// only. A store rejects an update whose token does not match the stored one
// with ErrConcurrencyConflict, and losing such a race is a normal outcome.
package delivery
