package irc

// Numeric replies the gateway reacts to.
const (
	rplWelcome          = "001"
	rplEndofwho         = "315"
	rplWhoreply         = "352"
	rplNamreply         = "353"
	errErroneusnickname = "432"
	errNicknameinuse    = "433"
)

// Channel membership prefixes that may precede a nick in a NAMES reply.
const memberPrefixes = "~&@%+"
