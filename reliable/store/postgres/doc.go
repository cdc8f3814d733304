// Package postgres stores outbox and inbox rows in PostgreSQL.
//
// Connection opens a primary/replica resolver and applies the embedded
// migrations. Backend plugs the database into units of work: every unit
// gets a Session whose transaction is opened on first use and committed
// when the unit completes, so rows written through a store commit with the
// rest of the unit's writes.
package postgres
