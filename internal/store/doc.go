// Package store provides persistent storage for sigil accounts, devices and challenges.
//
// # Architecture
//
// The core consumes three narrow interfaces:
//
//   - AccountStore: accounts keyed by id, unique by case-insensitive email
//   - DeviceStore: enrolled authenticators, unique by credential id
//   - ChallengeStore: at most one registration challenge per account
//
// Store composes them with Ping and Close. Three implementations exist:
//
//   - SQLiteStore: the default, a single-file database via modernc.org/sqlite
//   - PostgresStore: for several server instances sharing one database
//   - MockStore: in-memory, for tests
//
// # Atomicity
//
// The two racy paths are single statements rather than read-then-write:
//
//   - TakeChallenge is DELETE ... RETURNING keyed by account, so of two
//     concurrent takes only one receives the row. Value and expiry are
//     compared after the row is gone.
//   - InsertDevice relies on the credential id primary key. A duplicate
//     surfaces as ErrCredentialExists.
//
// AdvanceSignCount is a conditional UPDATE that only matches an increasing counter.
//
// # Schema Management
//
// SQLiteStore creates its schema inline and applies idempotent column
// migrations at startup. PostgresStore embeds goose migrations under
// migrations/postgres and runs them on connect.
package store
