package protocol

// Version is written on every outbound envelope. Inbound envelopes may omit it.
const Version = "3.0"

const (
	ReturnData = "data"
	ReturnLoop = "loop"
)

// Kind names the single top-level section an envelope carries.
type Kind string

const (
	KindCall        Kind = "call"
	KindReturn      Kind = "return"
	KindLoopOutput  Kind = "loop.output"
	KindLoopRequest Kind = "loop.request"
	KindAck         Kind = "ack"
)
