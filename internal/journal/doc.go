// Package journal keeps a SQLite ledger of upload artifacts so files retained
// in the staging directory after a failed transfer can be found and
// re-sent later.
package journal
