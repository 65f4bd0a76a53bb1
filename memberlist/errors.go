package memberlist

import "errors"

// Sentinel errors for the five error kinds a SWIM node can surface.
// Protocol and Transport failures are handled locally (logged, counted,
// packet/session dropped) and rarely escape a package boundary; they are
// still named here so callers that do inspect them can match cleanly.
var (
	// ErrNodeNamesAreRequired is returned when an operation that expects
	// a configured local name runs before one has been set.
	ErrNodeNamesAreRequired = errors.New("memberlist: node names are required")

	// ErrInvalidKeyLength is a Configuration-kind error: a keyring key
	// isn't 16, 24, or 32 bytes.
	ErrInvalidKeyLength = errors.New("memberlist: key length must be 16, 24, or 32 bytes")

	// ErrPrimaryKeyNotFound is a Configuration/State-kind error: Use()
	// named a key that was never added to the ring.
	ErrPrimaryKeyNotFound = errors.New("memberlist: key not found in keyring")

	// ErrKeyAlreadyInstalled names a repeat install of a key already in
	// the ring. Keyring.AddKey does not return it: a repeat install is a
	// no-op that returns nil.
	ErrKeyAlreadyInstalled = errors.New("memberlist: key already installed")

	// ErrRemovePrimaryKey guards against leaving the ring with no primary.
	ErrRemovePrimaryKey = errors.New("memberlist: cannot remove the primary key")

	// ErrDecryptionFailed is a Protocol-kind error: no key in the ring
	// produced a valid AEAD tag for an inbound packet.
	ErrDecryptionFailed = errors.New("memberlist: no key matched message")

	// ErrEncryptionDisabled means a caller asked for encrypt/decrypt but
	// no keyring was configured.
	ErrEncryptionDisabled = errors.New("memberlist: encryption is not enabled")

	// ErrShutdown is a State-kind error returned by any operation invoked
	// after Shutdown has completed.
	ErrShutdown = errors.New("memberlist: node is shut down")

	// ErrTimeout is a Transport-kind error for a single bounded I/O wait
	// (a probe, an indirect ack, a reliable send).
	ErrTimeout = errors.New("memberlist: operation timed out")

	// ErrNoPeers is returned when an action needs at least one other
	// alive node and finds none.
	ErrNoPeers = errors.New("memberlist: no peers available")
)
