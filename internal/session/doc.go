// Package session owns the persisted session directory: the advisory lock
// that keeps a second process out of it, and the store adapter that can wipe
// its contents after a remote logout.
//
// The lock is a JSON file inside the session directory. Its modification time
// is the liveness signal: a lock whose mtime is older than the staleness
// threshold is assumed abandoned and may be reclaimed. A live owner keeps the
// mtime fresh with [Lock.KeepAlive].
//
// Filesystem access goes through afero so tests can run against an in-memory
// filesystem. [Watcher] is the exception: fsnotify needs a real directory.
package session
