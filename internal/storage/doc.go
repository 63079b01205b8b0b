// Package storage is botfleet's SQLite-backed persistence layer.
//
// One database file holds tenants, their audience (users and known groups),
// broadcast jobs with their run history, and forwarder configuration.
// Every mutation is a single statement or a short transaction, so a crash
// never leaves a half-written record.
package storage
