package migration

import "fmt"

// Kind is the closed, wire-observable error taxonomy. It implements error
// and serializes to (and parses back from) a short stable string so it
// can travel inside a wire.MsgError frame.
type Kind struct {
	name   string
	detail string
}

func (k Kind) Error() string {
	if k.detail == "" {
		return k.name
	}

	return fmt.Sprintf("%s: %s", k.name, k.detail)
}

// Wire renders k as the text carried in an Error frame: just the stable
// name, never the detail (the detail may contain information the remote
// peer has no use for and the taxonomy must stay parseable).
func (k Kind) Wire() string { return k.name }

// With attaches a human-readable detail to k without changing its wire
// identity.
func (k Kind) With(detail string) Kind {
	return Kind{name: k.name, detail: detail}
}

// Withf is With with fmt.Sprintf formatting.
func (k Kind) Withf(format string, args ...interface{}) Kind {
	return k.With(fmt.Sprintf(format, args...))
}

// Is supports errors.Is by comparing wire identity only.
func (k Kind) Is(target error) bool {
	other, ok := target.(Kind)
	if !ok {
		return false
	}

	return k.name == other.name
}

var registry = map[string]Kind{}

func register(name string) Kind {
	k := Kind{name: name}
	registry[name] = k

	return k
}

// ParseKind recovers a bare Kind (no detail) from the text an Error frame
// carried. Unknown names still round-trip: they become a Kind whose Wire()
// reproduces the original text, so a future-versioned peer's new error
// kinds aren't swallowed.
func ParseKind(text string) Kind {
	if k, ok := registry[text]; ok {
		return k
	}

	return Kind{name: text}
}

// The stable, wire-observable error kinds.
var (
	KindHTTP                       = register("Http")
	KindInitiate                   = register("Initiate")
	KindIncompatible               = register("Incompatible")
	KindUpgradeExpected            = register("UpgradeExpected")
	KindInstanceNotInitialized     = register("InstanceNotInitialized")
	KindUUIDMismatch               = register("UuidMismatch")
	KindMigrationAlreadyInProgress = register("MigrationAlreadyInProgress")
	KindNoMigrationInProgress      = register("NoMigrationInProgress")
	KindCodec                      = register("Codec")
	KindInvalidInstanceState       = register("InvalidInstanceState")
	KindUnexpectedMessage          = register("UnexpectedMessage")
	KindSourcePause                = register("SourcePause")
	KindPhase                      = register("Phase")
	KindDeviceState                = register("DeviceState")
	KindUnknownDevice              = register("UnknownDevice")
	KindRemoteError                = register("RemoteError")
)

// Incompatible builds the protocol-token mismatch error reported when two
// peers negotiate incompatible upgrade tokens.
func Incompatible(local, remote string) Kind {
	return KindIncompatible.Withf("%s != %s", local, remote)
}

// UnknownDevice builds the error raised when a peer sends state for a
// device absent from the local inventory.
func UnknownDevice(name string) Kind {
	return KindUnknownDevice.Withf("%s", name)
}

// RemoteError wraps an error kind a peer reported about itself.
func RemoteError(role, text string) Kind {
	return KindRemoteError.Withf("%s: %s", role, text)
}
