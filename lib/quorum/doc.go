// Package quorum persists the consensus engine's term/vote bookkeeping
// across restarts.
//
// The state lives in a single JSON file named "quorum-state" inside the
// replica's working directory. Writes go through a temp-file-plus-rename so
// a crash mid-write never leaves a half-written state file behind; loads of
// an absent file return the zero state rather than an error (a fresh replica
// simply has not voted yet).
package quorum
