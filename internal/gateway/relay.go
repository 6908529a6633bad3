package gateway

import (
	"github.com/dalnet/ircmq/internal/bus"
	"github.com/dalnet/ircmq/internal/irc"
	"go.uber.org/zap"
)

// Subscribe registers the gateway's inbound topics on b.
func (g *Gateway) Subscribe(b Subscriber) {
	for _, kind := range []string{bus.KindPrivmsg, bus.KindNotice, bus.KindTopic} {
		b.Subscribe(bus.ToChannel(g.channel, kind), g.HandleBus)
	}
	b.Subscribe(bus.TopicRegister, g.HandleBus)
}

// Announce asks every plugin to (re)register its commands.
func (g *Gateway) Announce() {
	g.publish(bus.TopicBotCommand, "register")
}

// HandleBus processes one message from the bus. topic has no prefix.
func (g *Gateway) HandleBus(topic, payload string) {
	var err error
	switch topic {
	case bus.ToChannel(g.channel, bus.KindPrivmsg):
		err = g.relay("PRIVMSG", payload)
	case bus.ToChannel(g.channel, bus.KindNotice):
		err = g.relay("NOTICE", payload)
	case bus.ToChannel(g.channel, bus.KindTopic):
		err = g.relay("TOPIC", payload)
	case bus.TopicRegister:
		err = g.registry.Register(payload)
	default:
		g.log.Warn("message on unexpected topic", zap.String("topic", topic))
		return
	}
	if err != nil {
		g.log.Error("dropped bus message",
			zap.String("topic", topic),
			zap.String("payload", payload),
			zap.Error(err))
	}
}

// relay sends payload into the channel. Payloads that would split into
// several protocol lines are refused before they reach the session.
func (g *Gateway) relay(command, payload string) error {
	if irc.ContainsLineBreak(payload) {
		return irc.ErrLineInjection
	}
	return g.irc.Send(command, g.channel, payload)
}
