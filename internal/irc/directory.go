package irc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

// Pending marks a nick seen in a channel roster whose user@host is not
// known yet.
const Pending = "?"

// ResolveTimeout bounds how long Resolve waits for a WHO reply.
const ResolveTimeout = 5 * time.Second

// Sender transmits one protocol line.
type Sender interface {
	Send(command string, params ...string) error
}

// Directory tracks nick -> nick!user@host for everyone sharing the channel.
type Directory struct {
	mu    sync.Mutex
	users map[string]string
	// closed and replaced whenever a WHO reply lands
	whoSeen chan struct{}

	resolveTimeout time.Duration
}

// NewDirectory creates an empty identity directory.
func NewDirectory() *Directory {
	return &Directory{
		users:          make(map[string]string),
		whoSeen:        make(chan struct{}),
		resolveTimeout: ResolveTimeout,
	}
}

// Lookup returns the value stored for nick: a full identity, Pending, or
// ok=false if the nick was never seen.
func (d *Directory) Lookup(nick string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.users[nick]
	return v, ok
}

// Known reports whether nick has a resolved identity. A full
// nick!user@host string is known if any directory entry equals it.
func (d *Directory) Known(nick string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.knownLocked(nick)
}

func (d *Directory) knownLocked(nick string) bool {
	if strings.Contains(nick, "!") {
		for _, identity := range d.users {
			if strings.EqualFold(identity, nick) {
				return true
			}
		}
		return false
	}

	v, ok := d.users[nick]
	return ok && v != Pending && v != ""
}

// Len returns the number of tracked nicks.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

// Resolve returns the identity for nick. If it is not resolved yet a single
// WHO query is sent and the call waits up to the resolve timeout, re-checking
// the directory for this nick every time a WHO reply arrives. Whatever is
// known at expiry is returned; ok is false if the nick is still unresolved.
func (d *Directory) Resolve(ctx context.Context, s Sender, nick string) (string, bool) {
	if identity, ok := d.resolved(nick); ok {
		return identity, true
	}

	if err := s.Send("WHO", nick); err != nil {
		return d.resolved(nick)
	}

	timer := time.NewTimer(d.resolveTimeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if d.knownLocked(nick) {
			identity := d.identityLocked(nick)
			d.mu.Unlock()
			return identity, true
		}
		wake := d.whoSeen
		d.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return d.resolved(nick)
		case <-ctx.Done():
			return d.resolved(nick)
		}
	}
}

func (d *Directory) resolved(nick string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.knownLocked(nick) {
		return "", false
	}
	return d.identityLocked(nick), true
}

func (d *Directory) identityLocked(nick string) string {
	if strings.Contains(nick, "!") {
		return nick
	}
	return d.users[nick]
}

// Observe applies the directory side effects of an inbound message.
func (d *Directory) Observe(msg ircmsg.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch msg.Command {
	case rplNamreply:
		// 353 <me> <type> <channel> :<names>
		if len(msg.Params) < 4 {
			return
		}
		for _, name := range strings.Fields(msg.Params[3]) {
			name = strings.TrimLeft(name, memberPrefixes)
			if name == "" {
				continue
			}
			if _, ok := d.users[name]; !ok {
				d.users[name] = Pending
			}
		}

	case rplWhoreply:
		// 352 <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
		if len(msg.Params) >= 6 {
			nick := msg.Params[5]
			d.users[nick] = nick + "!" + msg.Params[2] + "@" + msg.Params[3]
		}
		d.wakeLocked()

	case rplEndofwho:
		d.wakeLocked()

	case "JOIN":
		if nuh, err := msg.NUH(); err == nil && nuh.User != "" {
			d.users[nuh.Name] = nuh.Canonical()
		}

	case "PART", "QUIT":
		delete(d.users, msg.Nick())

	case "KICK":
		// KICK <channel> <nick> [:<reason>]
		if len(msg.Params) >= 2 {
			delete(d.users, msg.Params[1])
		}

	case "NICK":
		if len(msg.Params) < 1 {
			return
		}
		oldNick, newNick := msg.Nick(), msg.Params[0]
		identity, ok := d.users[oldNick]
		delete(d.users, oldNick)

		if ok && identity != Pending {
			if idx := strings.IndexByte(identity, '!'); idx >= 0 {
				d.users[newNick] = newNick + identity[idx:]
				return
			}
		}
		if nuh, err := msg.NUH(); err == nil && nuh.User != "" {
			d.users[newNick] = newNick + "!" + nuh.User + "@" + nuh.Host
			return
		}
		d.users[newNick] = Pending
	}
}

// Reset forgets every entry; used when the session reconnects.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = make(map[string]string)
	d.wakeLocked()
}

func (d *Directory) wakeLocked() {
	close(d.whoSeen)
	d.whoSeen = make(chan struct{})
}
