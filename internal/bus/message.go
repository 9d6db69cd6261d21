// Package bus implements the DSME module kernel: a fixed-header message
// type, an ordered set of plugin modules, and a single-threaded
// cooperative dispatcher with reentrant broadcast support.
package bus

// TypeID identifies a message's semantic meaning on the bus and wire.
// Values are stable 32-bit constants; see internal/socket for the wire
// framing that carries them across the external client socket.
type TypeID uint32

// Message is the in-process representation of a bus message. Payload
// carries the fixed, type-specific structure; Extra carries optional
// variable-length trailing bytes (e.g. a process name string).
type Message struct {
	Type    TypeID
	Payload any
	Extra   []byte

	// Source identifies which module (if any) originated the message, for
	// diagnostics and to let a handler avoid re-processing its own
	// broadcast if it chooses to.
	Source string
}

// Well-known type-id constants, namespaced by subsystem. Values mirror
// the historical DSME wire protocol's stable identifiers so that the
// external client socket (internal/socket) can expose them unchanged.
const (
	TypeLoggingVerbosity TypeID = 0x00001103

	TypeHeartbeat        TypeID = 0x00000700
	TypeHeartbeatWait    TypeID = 0x00000701
	TypeHeartbeatStop    TypeID = 0x00000702

	TypeProcessWDPing    TypeID = 0x00000500
	TypeProcessWDPong    TypeID = 0x00000501
	TypeProcessWDSetInterval TypeID = 0x00000502
	TypeProcessWDKeepAlive   TypeID = 0x00000503
	TypeProcessWDClose       TypeID = 0x00000504
	TypeProcessWDManualPing  TypeID = 0x00000505

	TypeStateChangeReq   TypeID = 0x00000600
	TypeStateChangeInd   TypeID = 0x00000601
	TypeChangeRunlevel   TypeID = 0x00000602

	TypeDiskSpace        TypeID = 0x00000800

	TypeThermalStatus    TypeID = 0x00000900
	TypeThermalShutdownReq TypeID = 0x00000901

	TypeSave               TypeID = 0x00000a00
	TypeSaveDataInd        TypeID = 0x00000a01

	// TypeHWWDKickReq requests one immediate hardware watchdog kick cycle,
	// for external-kicker test tooling (cmd/kickwd) that does not want to
	// wait for the next scheduled kick period.
	TypeHWWDKickReq TypeID = 0x00000400

	TypeIdle TypeID = 0x00001337
)
