// Package logging provides file-based logging with rotation for quill.
// Every CLI invocation writes JSON logs to ~/.quill/logs/quill.log and to
// stderr at info level; the --debug flag lowers the level to debug.
package logging
