package protocol

// Channel is a logical stream multiplexed over one connection.
type Channel uint8

const (
	// ChannelControl carries the join handshake and session control.
	ChannelControl Channel = iota
	// ChannelState carries one tick packet per peer per tick.
	ChannelState
	// ChannelInput carries redundant peer inputs.
	ChannelInput
	// ChannelAck carries the peer's confirmed tick.
	ChannelAck
	// ChannelCall carries remote function calls.
	ChannelCall

	channelCount
)

// Delivery is the guarantee a transport gives a channel.
type Delivery uint8

const (
	Reliable Delivery = iota
	Unreliable
	// UnreliableSequenced may drop packets but never delivers one older
	// than a packet already delivered.
	UnreliableSequenced
)

func (c Channel) Valid() bool { return c < channelCount }

func (c Channel) Delivery() Delivery {
	switch c {
	case ChannelState:
		return UnreliableSequenced
	case ChannelInput, ChannelAck:
		return Unreliable
	default:
		return Reliable
	}
}

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelState:
		return "state"
	case ChannelInput:
		return "input"
	case ChannelAck:
		return "ack"
	case ChannelCall:
		return "call"
	default:
		return "unknown"
	}
}

func (d Delivery) String() string {
	switch d {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	default:
		return "unknown"
	}
}
