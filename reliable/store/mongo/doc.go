// Package mongo stores outbox and inbox rows in MongoDB.
//
// Writes are applied as soon as they are made: the Backend opens pseudo
// sessions, so a unit of work spanning a Mongo store publishes its outbox
// rows directly instead of waiting for the commit. Concurrency tokens still
// guard every update. Timestamps are stored with millisecond precision.
package mongo
