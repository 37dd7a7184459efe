// Package stores keeps the reconciliation journal in SQLite: one row per
// operation run, the backups taken before destructive volume intents with
// their checksums, and an audit trail of policy decisions.
package stores
