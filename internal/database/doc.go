// Package database provides PostgreSQL connection pool setup for the durable
// outbox.
package database
