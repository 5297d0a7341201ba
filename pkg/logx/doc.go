// Package logx wraps zerolog for taskd. Console lines are human readable
// with a short caller; the optional file sink writes JSON rotated by
// lumberjack. Every line carries the pid, since the daemon and its task
// processes share one journal.
package logx
