package bus

import "strings"

// Topic suffixes. The client adds the deployment prefix.
const (
	TopicRegister   = "to/bot/register"
	TopicBotCommand = "from/bot/command"

	scope = "irc"
)

// Relay kinds accepted on a channel's to-topics.
const (
	KindPrivmsg = "privmsg"
	KindNotice  = "notice"
	KindTopic   = "topic"
)

// Leaf names of from-topics other than command names.
const (
	LeafMessage = "message"
	LeafNotice  = "notice"
)

// ChannelName strips the channel type character: "#test" is "test".
// Other targets (a nick, for private messages) are returned unchanged.
func ChannelName(target string) string {
	if target != "" && strings.ContainsRune("#&", rune(target[0])) {
		return target[1:]
	}
	return target
}

// ToChannel is the topic plugins publish on to make the gateway speak in
// channel: "to/irc/<channel>/<kind>".
func ToChannel(channel, kind string) string {
	return "to/" + scope + "/" + ChannelName(channel) + "/" + kind
}

// FromIRC is the topic chat traffic is republished on:
// "from/irc/<target>/<identity>/<leaf>".
func FromIRC(target, identity, leaf string) string {
	return "from/" + scope + "/" + ChannelName(target) + "/" + identity + "/" + leaf
}
