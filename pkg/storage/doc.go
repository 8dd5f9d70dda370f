// Package storage is the keyed table store shared by the server reader
// backend and client pool manager. NewMemoryStore backs tests and
// in-process demos; NewBoltStore persists to a bbolt database file.
package storage
