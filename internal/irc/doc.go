/*
Package irc holds the gateway's side of the IRC connection: line framing,
the registration state machine, the identity directory and the keepalive.

Lifecycle (Session.Run):

  - DISCONNECTED: dial the server, with exponential backoff between failures
  - CONNECTED_NICK: send PASS (if configured) and NICK
  - CONNECTED_USER: send USER
  - USER_WAIT: wait for 001 (RPL_WELCOME)
  - CONNECTED_JOIN: send JOIN for the configured channel
  - CONNECTED_WAIT: wait for the server to echo our own JOIN
  - RUNNING: normal operation
  - DISCONNECTING: close the socket

Every state other than DISCONNECTED, DISCONNECTING and RUNNING must be left
within StateTimeout.

Events handled inline, in arrival order:

  - PING: answered with PONG, not passed on
  - 001: handshake step; out of sequence it drops the connection
  - 432/433: switch to the alternate nick while registering
  - JOIN: own echo completes the handshake
  - NICK: tracks our own nick

Directory bookkeeping (Directory.Observe):

  - 353 (RPL_NAMREPLY): roster nicks enter as Pending
  - 352 (RPL_WHOREPLY): resolves one nick to nick!user@host
  - 315 (RPL_ENDOFWHO): wakes resolvers
  - JOIN: stores the joiner's full identity
  - PART, QUIT, KICK: removes the nick
  - NICK: moves the entry, keeping user@host

Everything but PING is then handed to the Handler, one goroutine per line.
*/
package irc
