// Package gateway turns channel traffic into built-in command runs and bus
// messages, and bus messages back into channel traffic.
//
// Every inbound line is handled in its own goroutine by HandleMessage, so
// nothing here may assume an order between two lines. Shared state (the
// registry, the continuation buffer, the identity directory) is locked by
// its owner.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dalnet/ircmq/internal/bus"
	"github.com/dalnet/ircmq/internal/irc"
	"github.com/ergochat/irc-go/ircmsg"
	"go.uber.org/zap"
)

const handlerTimeout = time.Minute

// Publisher is the outbound half of the bus.
type Publisher interface {
	Publish(topic, payload string) error
}

// Subscriber is the inbound half of the bus.
type Subscriber interface {
	Subscribe(topic string, h bus.Handler)
}

// ACL is the authorization engine and its administration surface.
type ACL interface {
	Authorize(ctx context.Context, identity, command string) (bool, error)
	Grant(ctx context.Context, subject, command string) error
	Revoke(ctx context.Context, subject, command string) error
	GroupAdd(ctx context.Context, subject, group string) error
	GroupDel(ctx context.Context, subject, group string) error
	ForgetAll(ctx context.Context, nick string) error
	Rename(ctx context.Context, nick, identity string) error
	List(ctx context.Context, subject string) ([]string, error)
	IsGroup(ctx context.Context, name string) (bool, error)
}

// Recorder keeps the audit trail of command invocations.
type Recorder interface {
	Record(identity, line string, allowed bool)
}

// Config wires a Gateway to its collaborators. Journal may be nil.
type Config struct {
	Channel   string
	Prefix    byte
	IRC       irc.Sender
	Bus       Publisher
	Directory *irc.Directory
	ACL       ACL
	Registry  *Registry
	Journal   Recorder
	Logger    *zap.Logger
}

// Gateway connects one IRC channel to the bus.
type Gateway struct {
	channel  string
	prefix   byte
	irc      irc.Sender
	bus      Publisher
	dir      *irc.Directory
	acl      ACL
	registry *Registry
	journal  Recorder
	more     MoreBuffer
	log      *zap.Logger
}

// New creates a gateway from cfg.
func New(cfg Config) *Gateway {
	return &Gateway{
		channel:  cfg.Channel,
		prefix:   cfg.Prefix,
		irc:      cfg.IRC,
		bus:      cfg.Bus,
		dir:      cfg.Directory,
		acl:      cfg.ACL,
		registry: cfg.Registry,
		journal:  cfg.Journal,
		log:      cfg.Logger.Named("gateway"),
	}
}

// HandleMessage processes one inbound line. A panic is logged and answered
// in channel; it never escapes.
func (g *Gateway) HandleMessage(msg ircmsg.Message) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("handler panicked",
				zap.String("command", msg.Command),
				zap.Any("panic", r),
				zap.Stack("stack"))
			g.replyError(fmt.Sprintf("exception \"%v\" during execution of IRC command \"%s\"", r, msg.Command))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch msg.Command {
	case "PRIVMSG":
		g.onPrivmsg(ctx, msg)
	case "NOTICE":
		g.onNotice(msg)
	}
}

func (g *Gateway) onPrivmsg(ctx context.Context, msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	target, text := msg.Params[0], msg.Params[1]

	if len(text) >= 2 && text[0] == g.prefix {
		g.onCommand(ctx, target, msg.Source, text)
		return
	}
	g.publish(bus.FromIRC(target, msg.Source, bus.LeafMessage), text)
}

func (g *Gateway) onNotice(msg ircmsg.Message) {
	if len(msg.Params) < 2 || msg.Source == "" {
		// server notices during registration have no identity
		return
	}
	g.publish(bus.FromIRC(msg.Params[0], msg.Source, bus.LeafNotice), msg.Params[1])
}

func (g *Gateway) onCommand(ctx context.Context, target, identity, text string) {
	line := text[1:]
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	name := words[0]

	if _, ok := g.registry.Lookup(name); !ok {
		g.replyError(fmt.Sprintf("Command \"%s\" is not known", name))
		return
	}

	allowed, err := g.acl.Authorize(ctx, identity, name)
	if err != nil {
		g.log.Error("acl check failed", zap.String("identity", identity), zap.String("command", name), zap.Error(err))
		g.replyError(fmt.Sprintf("failed to check ACLs for command \"%s\": %v", name, err))
		return
	}
	if g.journal != nil {
		g.journal.Record(identity, line, allowed)
	}
	if !allowed {
		g.replyError(fmt.Sprintf("Command \"%s\" denied for user \"%s\"", name, identity))
		return
	}

	switch g.runBuiltin(ctx, words) {
	case handled, failed:
	case notBuiltin:
		g.publish(bus.FromIRC(target, identity, name), text)
	}
}

func (g *Gateway) publish(topic, payload string) {
	if err := g.bus.Publish(topic, payload); err != nil {
		g.log.Error("failed to publish", zap.String("topic", topic), zap.Error(err))
	}
}

// replyOK answers in channel, holding back anything past one chunk for
// the "more" built-in.
func (g *Gateway) replyOK(text string) {
	g.say(g.more.Split(text))
}

func (g *Gateway) replyError(text string) {
	g.log.Info("error reply", zap.String("text", text))
	g.say("ERROR: " + text)
}

func (g *Gateway) say(text string) {
	if err := g.irc.Send("PRIVMSG", g.channel, text); err != nil {
		g.log.Warn("failed to send reply", zap.Error(err))
	}
}
