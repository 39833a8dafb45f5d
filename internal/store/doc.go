// Package store implements the agent's embedded relational persistence
// layer: a single on-disk database file shared by the agent identity,
// message queue, and command store components.
//
// It wraps gorm over a pure-Go sqlite driver so the agent binary stays
// cgo-free (postgres and mysql are selectable through Config.Driver).
// Callers reach the *gorm.DB through DB() for table-scoped queries and
// AutoMigrate, and run multi-statement writes through Tx or TxRetry;
// Criteria is an optional helper for building WHERE clauses.
package store
