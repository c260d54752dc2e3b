// Package lock implements a lease-based distributed mutex on top of any
// key-value store able to create a key with a TTL only if it is absent, and to
// extend or delete a key only while it still holds a given value.
//
// A Lock owns one store key. Acquiring writes a random identifier under that
// key with a TTL (the lease); while held, a background task renews the lease
// every refresh interval (0.8 of the lock timeout by default). If a renewal
// finds the key gone or owned by another identifier, the lock is marked as not
// acquired and the OnLockLost callback fires once. Release stops renewal and
// deletes the key only if it still carries this lock's identifier.
//
// Crashed holders need no cleanup: their lease simply expires in the store.
//
// Backends live in the adapter package; release notifications that let
// waiters retry early are provided by syncbus.
package lock
