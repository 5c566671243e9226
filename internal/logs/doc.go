// Package logs reads the process log files written under paths.log_dir.
//
// Tail returns the last N lines of a file together with the byte offset the
// next read should start from; Follow polls from that offset and hands each
// new line to a callback until the context ends. Both tolerate the file not
// existing yet, which is the normal state before the engine or a worker has
// started.
package logs
