// Package postgres provides PostgreSQL implementations of the runner's
// persistence interfaces. Status transition writes carry their expected
// prior status in the WHERE clause, so terminal states are idempotent and
// concurrent transitions resolve without explicit locking.
package postgres
