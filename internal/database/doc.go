/*
Package database manages the GORM connection pool behind the relational
execution-history store.

PoolManager wraps a gorm.DB and its underlying sql.DB: it applies the pool
limits from configuration, runs a background health check, and provides
transaction helpers with retry for transient failures such as deadlocks
and serialization conflicts.

Open builds the dialector for the configured driver (postgres, mysql, or
the pure-Go sqlite) and returns a ready pool.
*/
package database
