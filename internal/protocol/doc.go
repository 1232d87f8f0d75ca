// Package protocol defines the messages exchanged between the stratum CLI
// and the daemon.
//
// Every message is a single JSON envelope terminated by a newline:
//
//	{"command":"build","payload":{"context":"/src/api","tag":"api:1.0"}}
//
// A connection carries one request and one response. Responses use the
// "ok" command with a command-specific result, or "error" with an
// [ErrorResult].
package protocol
