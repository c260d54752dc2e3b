// Package adapter provides lock.Store implementations for the backends a
// lease can live in: process memory, Redis, etcd and PostgreSQL.
//
// All stores apply the same conditional semantics. Create only writes an
// absent key, Extend and Delete only touch a key that still holds the
// caller's identifier.
package adapter
