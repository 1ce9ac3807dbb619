// Package version provides server and wire protocol version information.
package version

import "fmt"

const (
	// Version is the current version of osidbg
	Version = "0.3.0"

	// ProtocolVersion is the debug protocol revision. Clients must send the
	// same value in Identify; any other value ends the session.
	ProtocolVersion uint32 = 3
)

// GetVersion returns the current version
func GetVersion() string {
	return Version
}

// String returns a one-line description for CLI output
func String() string {
	return fmt.Sprintf("osidbg %s (protocol %d)", Version, ProtocolVersion)
}

// Compatible reports whether a client protocol version can be served
func Compatible(clientProtocol uint32) bool {
	return clientProtocol == ProtocolVersion
}
