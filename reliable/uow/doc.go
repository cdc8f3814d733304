// Package uow implements the unit of work used to tie outbox and inbox
// writes to the business transaction that produced them.
//
// A Manager owns every unit it creates in an arena keyed by id. Parent and
// inner relationships are id references, never mutual pointers. Root units
// aggregate one inner unit per configured Backend; each inner unit wraps a
// single persistence Session.
//
// Units created through Begin are pushed on the manager's ambient stack.
// Every unit is also addressable by id so code can explicitly join a
// specific transaction. GlobalUow hands out a lazily created unit for
// read-only streaming that never participates in the stack.
package uow
