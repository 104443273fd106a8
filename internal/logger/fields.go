package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so the broker's
// logs stay queryable by bus, connection, and command.
const (
	// Request correlation
	KeyRequestID = "request_id" // Correlation id for one control command or API request

	// Broker object graph
	KeyNamespace  = "namespace"  // Namespace devpath: kdbus, kdbus/ns/...
	KeyBus        = "bus"        // Bus name: 1000-system, ...
	KeyEndpoint   = "endpoint"   // Endpoint name: bus, custom endpoints
	KeyConnection = "connection" // Connection id on the bus
	KeyName       = "name"       // Well-known name in a bus registry
	KeyLabel      = "label"      // Connection label from hello
	KeyID         = "id"         // Generic numeric object id

	// Command processing
	KeyCommand = "command" // Control command: hello, make-bus, send, ...
	KeyStatus  = "status"  // Operation outcome code
	KeyError   = "error"   // Error value

	// Identity
	KeyUID = "uid" // Caller uid in its own user namespace
	KeyGID = "gid" // Caller gid
	KeyPID = "pid" // Caller process id

	// Message path
	KeySeq   = "seq"    // Bus-wide message sequence number
	KeySrc   = "src"    // Sender connection id
	KeyDst   = "dst"    // Destination connection id or name
	KeySize  = "size"   // Payload size in bytes
	KeyPool  = "pool"   // Pool usage in bytes
	KeyMode  = "mode"   // Node mode bits
	KeyFlags = "flags"  // Command or item flags
	KeyAddr  = "addr"   // Listen address of a server component
	KeyPort  = "port"   // Listen port of a server component
)

// Err returns a standard error attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Mode formats node mode bits in octal, the way they are shown by ls.
func Mode(mode uint32) slog.Attr {
	return slog.String(KeyMode, fmt.Sprintf("%04o", mode))
}
