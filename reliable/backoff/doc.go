// Package backoff provides delay calculations and a small generic retry
// executor used by the outbox and inbox pipelines.
package backoff
