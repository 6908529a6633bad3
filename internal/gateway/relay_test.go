package gateway

import (
	"testing"

	"github.com/dalnet/ircmq/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeRegistersInboundTopics(t *testing.T) {
	f := newFixture(t)
	f.gw.Subscribe(f.bus)

	for _, topic := range []string{
		"to/irc/test/privmsg",
		"to/irc/test/notice",
		"to/irc/test/topic",
		"to/bot/register",
	} {
		assert.Contains(t, f.bus.handlers, topic)
	}
	assert.Len(t, f.bus.handlers, 4)
}

func TestRelayToChannel(t *testing.T) {
	f := newFixture(t)

	f.gw.HandleBus("to/irc/test/privmsg", "hello world")
	f.gw.HandleBus("to/irc/test/notice", "heads up")
	f.gw.HandleBus("to/irc/test/topic", "release day")

	assert.Equal(t, []string{
		"PRIVMSG #test :hello world",
		"NOTICE #test :heads up",
		"TOPIC #test :release day",
	}, f.irc.take())
}

func TestRelayRejectsInjection(t *testing.T) {
	f := newFixture(t)

	f.gw.HandleBus("to/irc/test/privmsg", "hello\nQUIT")
	f.gw.HandleBus("to/irc/test/notice", "a\r\nJOIN #other")

	assert.Empty(t, f.irc.take())
	assert.Equal(t, 2, f.logs.FilterMessage("dropped bus message").Len())
}

func TestRelayUnexpectedTopic(t *testing.T) {
	f := newFixture(t)
	f.gw.HandleBus("to/irc/other/privmsg", "hello")
	assert.Empty(t, f.irc.take())
	assert.Equal(t, 1, f.logs.FilterMessage("message on unexpected topic").Len())
}

func TestRegistrationOverBus(t *testing.T) {
	f := newFixture(t)

	f.gw.HandleBus(bus.TopicRegister, "cmd=lights|descr=Toggle the lights|agrp=home")
	c, ok := f.registry.Lookup("lights")
	require.True(t, ok)
	assert.Equal(t, "home", c.Group)

	// malformed and built-in announcements are dropped
	f.gw.HandleBus(bus.TopicRegister, "descr=no name")
	f.gw.HandleBus(bus.TopicRegister, "cmd=help|descr=mine now")
	assert.Equal(t, 2, f.logs.FilterMessage("dropped bus message").Len())

	c, _ = f.registry.Lookup("help")
	assert.True(t, c.Builtin)
	assert.Equal(t, "Help for commands, parameter is the command to get help for", c.Description)
}

func TestAnnounce(t *testing.T) {
	f := newFixture(t)
	f.gw.Announce()
	assert.Equal(t, []published{{"from/bot/command", "register"}}, f.bus.take())
}
