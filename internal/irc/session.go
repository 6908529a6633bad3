package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ergochat/irc-go/ircmsg"
	"go.uber.org/zap"
)

var (
	// ErrLineInjection is returned for outbound payloads that would split
	// into several protocol lines. Nothing is transmitted.
	ErrLineInjection = errors.New("irc: payload contains a line terminator")

	// ErrNotConnected is returned when the socket a send was aimed at is
	// gone, including when it was replaced by a newer connection.
	ErrNotConnected = errors.New("irc: not connected")
)

const (
	// StateTimeout bounds the time spent in any handshake state.
	StateTimeout = 30 * time.Second

	writeTimeout = 30 * time.Second
	tickInterval = time.Second
)

// State is a step of the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	ConnectedNick
	ConnectedUser
	UserWait
	ConnectedJoin
	ConnectedWait
	Running
	Disconnecting
)

var stateNames = [...]string{
	Disconnected:  "DISCONNECTED",
	Connecting:    "CONNECTING",
	ConnectedNick: "CONNECTED_NICK",
	ConnectedUser: "CONNECTED_USER",
	UserWait:      "USER_WAIT",
	ConnectedJoin: "CONNECTED_JOIN",
	ConnectedWait: "CONNECTED_WAIT",
	Running:       "RUNNING",
	Disconnecting: "DISCONNECTING",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// supervised reports whether the state is subject to StateTimeout.
func (s State) supervised() bool {
	switch s {
	case Disconnected, Disconnecting, Running:
		return false
	}
	return true
}

// Handler receives every inbound line except PING. Each call runs in its
// own goroutine, so calls complete in no particular order.
type Handler func(msg ircmsg.Message)

// Options describes the IRC endpoint and the identity to register with.
type Options struct {
	Addr      string
	TLS       *tls.Config // nil for plain TCP
	Password  string
	Nick      string
	Alternate string
	User      string
	RealName  string
	Channel   string
}

// Session owns the single connection to the IRC server and drives it from
// DISCONNECTED to RUNNING, reconnecting whenever it drops.
type Session struct {
	opts    Options
	dir     *Directory
	handler Handler
	log     *zap.Logger

	mu    sync.Mutex
	state State
	since time.Time
	link  *link
	nick  string

	backoff backoff.BackOff
	// set when the last connection dropped before reaching RUNNING; owned
	// by Run
	unproven bool

	// overridable in tests
	now     func() time.Time
	tick    time.Duration
	dial    func(ctx context.Context) (net.Conn, error)
	onState func(from, to State)
}

type inbound struct {
	msg ircmsg.Message
	err error
}

// link is one TCP connection plus the goroutine framing its input.
type link struct {
	conn  net.Conn
	lines chan inbound
	done  chan struct{}
	once  sync.Once

	writeMu sync.Mutex
}

func newLink(conn net.Conn) *link {
	return &link{
		conn:  conn,
		lines: make(chan inbound),
		done:  make(chan struct{}),
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// NewSession creates a session. Directory bookkeeping is applied to every
// inbound line before handler sees it.
func NewSession(opts Options, dir *Directory, handler Handler, log *zap.Logger) *Session {
	if opts.Alternate == "" {
		opts.Alternate = opts.Nick + "_"
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0

	s := &Session{
		opts:    opts,
		dir:     dir,
		handler: handler,
		log:     log.Named("session"),
		state:   Disconnected,
		nick:    opts.Nick,
		backoff: b,
		now:     time.Now,
		tick:    tickInterval,
	}
	s.since = s.now()
	s.dial = s.dialServer
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Nick returns the nick currently registered (or being registered).
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// Channel returns the channel the session joins.
func (s *Session) Channel() string {
	return s.opts.Channel
}

func (s *Session) setStateLocked(to State) State {
	from := s.state
	s.state = to
	s.since = s.now()
	return from
}

func (s *Session) notify(from, to State) {
	if from == to {
		return
	}
	s.log.Info("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.setStateLocked(to)
	s.mu.Unlock()
	s.notify(from, to)
}

// advance moves from -> to only if the session is still in from.
func (s *Session) advance(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(to)
	s.mu.Unlock()
	s.notify(from, to)
	return true
}

// Send writes one protocol line. Params containing CR, LF or NUL are refused
// with ErrLineInjection. A write failure closes the socket and drops the
// session to DISCONNECTED.
func (s *Session) Send(command string, params ...string) error {
	line, err := EncodeLine(command, params...)
	if err != nil {
		s.log.Warn("refusing to send line", zap.String("command", command), zap.Error(err))
		return err
	}

	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	return s.write(l, line)
}

func (s *Session) write(l *link, line string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed() {
		return ErrNotConnected
	}

	// a deadline that cannot be set surfaces as a failed Write below
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := l.conn.Write([]byte(line)); err != nil {
		s.log.Warn("failed transmitting to IRC server", zap.Error(err))
		s.drop(l)
		return fmt.Errorf("irc: write: %w", err)
	}

	s.log.Debug("sent", zap.String("line", strings.TrimRight(line, "\r\n")))
	return nil
}

// drop closes l and, if it is still the active link, moves to DISCONNECTED.
func (s *Session) drop(l *link) {
	l.close()

	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	from := s.setStateLocked(Disconnected)
	s.mu.Unlock()
	s.notify(from, Disconnected)
}

// Run drives the session until ctx is cancelled. It is the only reader of
// the socket and the only place state advances during the handshake.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.shutdown()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch s.State() {
		case Disconnecting:
			s.mu.Lock()
			l := s.link
			s.mu.Unlock()
			if l != nil {
				s.drop(l)
			} else {
				s.transition(Disconnected)
			}
			continue

		case Disconnected:
			if s.unproven {
				wait := s.backoff.NextBackOff()
				s.log.Warn("connection dropped during registration", zap.String("addr", s.opts.Addr), zap.Duration("retry_in", wait))
				if !sleep(ctx, wait) {
					return ctx.Err()
				}
			}
			if err := s.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				wait := s.backoff.NextBackOff()
				s.log.Warn("failed to connect", zap.String("addr", s.opts.Addr), zap.Duration("retry_in", wait), zap.Error(err))
				if !sleep(ctx, wait) {
					return ctx.Err()
				}
			}
			continue

		case ConnectedNick:
			if s.opts.Password != "" {
				// a failed write drops the link and is logged by write
				_ = s.Send("PASS", s.opts.Password)
			}
			if s.Send("NICK", s.Nick()) == nil {
				s.advance(ConnectedNick, ConnectedUser)
			}
			continue

		case ConnectedUser:
			if s.Send("USER", s.opts.User, "0", "*", s.opts.RealName) == nil {
				s.advance(ConnectedUser, UserWait)
			}
			continue

		case ConnectedJoin:
			if s.Send("JOIN", s.opts.Channel) == nil {
				s.advance(ConnectedJoin, ConnectedWait)
			}
			continue
		}

		s.mu.Lock()
		l := s.link
		s.mu.Unlock()

		if l == nil {
			s.waitTick(ctx, ticker)
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case in := <-l.lines:
				s.receive(l, in)
			case <-ticker.C:
			}
		}

		s.checkDeadline()
	}
}

func (s *Session) waitTick(ctx context.Context, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-ticker.C:
	}
}

func (s *Session) checkDeadline() {
	s.mu.Lock()
	st, since := s.state, s.since
	s.mu.Unlock()

	if !st.supervised() {
		return
	}
	if took := s.now().Sub(since); took > StateTimeout {
		s.log.Warn("state timeout", zap.Stringer("state", st), zap.Duration("took", took))
		s.advance(st, Disconnecting)
	}
}

func (s *Session) connect(ctx context.Context) error {
	s.transition(Connecting)
	s.log.Info("connecting", zap.String("addr", s.opts.Addr))

	conn, err := s.dial(ctx)
	if err != nil {
		s.transition(Disconnected)
		return err
	}

	l := newLink(conn)
	s.dir.Reset()
	s.unproven = true

	s.mu.Lock()
	s.link = l
	s.nick = s.opts.Nick
	from := s.setStateLocked(ConnectedNick)
	s.mu.Unlock()
	s.notify(from, ConnectedNick)

	go s.readLoop(l)
	return nil
}

func (s *Session) dialServer(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: StateTimeout, KeepAlive: time.Minute}
	if s.opts.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: s.opts.TLS}
		return td.DialContext(ctx, "tcp", s.opts.Addr)
	}
	return d.DialContext(ctx, "tcp", s.opts.Addr)
}

// readLoop frames lines off l in arrival order and hands them to Run.
func (s *Session) readLoop(l *link) {
	lr := NewLineReader(l.conn)
	for {
		msg, err := lr.Next()
		switch {
		case errors.Is(err, ErrBadEncoding), errors.Is(err, ErrMalformedLine), errors.Is(err, ErrLineTooLong):
			s.log.Warn("cannot decode line from IRC server", zap.Error(err))
			continue
		case err != nil:
			s.deliver(l, inbound{err: err})
			return
		}
		if !s.deliver(l, inbound{msg: msg}) {
			return
		}
	}
}

func (s *Session) deliver(l *link, in inbound) bool {
	select {
	case l.lines <- in:
		return true
	case <-l.done:
		return false
	}
}

func (s *Session) receive(l *link, in inbound) {
	if in.err != nil {
		if !l.closed() {
			s.log.Warn("failed receiving from IRC server", zap.Error(in.err))
		}
		s.drop(l)
		return
	}

	msg := in.msg
	s.log.Debug("received", zap.String("source", msg.Source), zap.String("command", msg.Command), zap.Strings("params", msg.Params))

	s.dir.Observe(msg)

	switch msg.Command {
	case "PING":
		_ = s.Send("PONG", msg.Params...)
		return

	case rplWelcome:
		if !s.advance(UserWait, ConnectedJoin) {
			s.log.Warn("unexpected welcome", zap.Stringer("state", s.State()))
			s.transition(Disconnecting)
		}

	case errNicknameinuse, errErroneusnickname:
		s.useAlternate()

	case "JOIN":
		if s.isOwnJoin(msg) && s.advance(ConnectedWait, Running) {
			s.unproven = false
			s.backoff.Reset()
			s.log.Info("joined channel", zap.String("channel", s.opts.Channel), zap.String("nick", s.Nick()))
		}

	case "NICK":
		if len(msg.Params) > 0 {
			s.mu.Lock()
			if strings.EqualFold(msg.Nick(), s.nick) {
				s.nick = msg.Params[0]
			}
			s.mu.Unlock()
		}
	}

	if s.handler != nil {
		go s.handler(msg)
	}
}

// useAlternate switches to the alternate nick while registering.
func (s *Session) useAlternate() {
	s.mu.Lock()
	if s.state == Running || s.nick == s.opts.Alternate {
		s.mu.Unlock()
		return
	}
	s.nick = s.opts.Alternate
	s.mu.Unlock()

	s.log.Info("nick in use, switching to alternate", zap.String("alternate", s.opts.Alternate))
	_ = s.Send("NICK", s.opts.Alternate)
}

func (s *Session) isOwnJoin(msg ircmsg.Message) bool {
	if len(msg.Params) < 1 || !strings.EqualFold(msg.Params[0], s.opts.Channel) {
		return false
	}
	return strings.EqualFold(msg.Nick(), s.Nick())
}

func (s *Session) shutdown() {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()

	if l != nil {
		_ = s.write(l, "QUIT :Shutting down\r\n")
		s.drop(l)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
