// Package engine implements the wire protocol spoken to the generation
// engine process: a length-prefixed JSON frame codec, the control
// request/response messages, the event stream envelope, and dialers for the
// engine's control and event endpoints.
package engine
