// Package b2ops manages the lifecycle of the three ephemeral capabilities the
// B2 protocol issues: the account Authorization, upload URLs, and large-file
// sessions. It is the single owner of "operation → authenticated,
// retried, circuit-broken request" glue, shared between the CLI commands and
// the directory watcher.
//
// AuthCache holds one Authorization and guarantees a single in-flight
// refresh. Pool lends upload URLs to one holder at a time and evicts the ones
// the service rejects. Policy classifies every failure (see b2.Classify) and
// retries, re-authorizes, replaces the upload URL, or fails fast through a
// per-group circuit breaker. Manager ties them together behind typed
// operations, and LargeFile is the multipart upload state machine.
//
// TransferManager and BandwidthLimiter provide file-level upload/download
// with parallel parts, .partial safety, and SHA-1 verification. SessionStore
// remembers unfinished large uploads on disk so the next attempt resumes.
package b2ops
