package ir

// Version constants for the wire format and the module.
const (
	// ProtocolVersion is the version of the message protocol.
	ProtocolVersion = "1"

	// Version is the mirage module version.
	Version = "0.1.0"
)
