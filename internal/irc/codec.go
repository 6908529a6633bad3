package irc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/ergochat/irc-go/ircreader"
)

const (
	initialReadSize = 512
	// Generous upper bound for one line including IRCv3 tags.
	maxReadSize = 16384
)

// ErrBadEncoding is returned by LineReader.Next for a line that is not valid
// UTF-8. The line is dropped; the reader stays usable.
var ErrBadEncoding = errors.New("irc: line is not valid UTF-8")

// ErrMalformedLine is returned for a line that cannot be parsed.
var ErrMalformedLine = errors.New("irc: malformed line")

// ErrLineTooLong is returned for a line longer than the read buffer. The
// rest of the line is discarded up to its LF; the reader stays usable.
var ErrLineTooLong = errors.New("irc: line too long")

// LineReader frames a byte stream into IRC lines and parses them.
type LineReader struct {
	src io.Reader
	r   ircreader.Reader

	// set while the tail of an over-long line is still being discarded
	skipping bool
}

// NewLineReader creates a line reader on top of r. Partial lines are kept
// across reads until their terminating LF arrives.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{src: r}
	lr.r.Initialize(r, initialReadSize, maxReadSize)
	return lr
}

// Next returns the next non-empty parsed line. ErrBadEncoding,
// ErrMalformedLine and ErrLineTooLong skip one line; any other error comes
// from the underlying reader and ends the stream.
func (lr *LineReader) Next() (ircmsg.Message, error) {
	for {
		raw, err := lr.r.ReadLine()
		if errors.Is(err, ircreader.ErrReadQ) {
			// the full buffer holds only the head of the line; drop it
			// and resynchronise on the next LF
			lr.r.Initialize(lr.src, initialReadSize, maxReadSize)
			if lr.skipping {
				continue
			}
			lr.skipping = true
			return ircmsg.Message{}, fmt.Errorf("%w: over %d bytes", ErrLineTooLong, maxReadSize)
		}
		if err != nil {
			return ircmsg.Message{}, err
		}
		if lr.skipping {
			lr.skipping = false
			continue
		}

		line := strings.TrimRight(string(raw), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !utf8.ValidString(line) {
			return ircmsg.Message{}, ErrBadEncoding
		}

		return ParseLine(line)
	}
}

// ParseLine parses a single line without its terminator into prefix,
// command and params. A param introduced by " :" runs to the end of the line.
func ParseLine(line string) (ircmsg.Message, error) {
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		return ircmsg.Message{}, fmt.Errorf("%w %q: %v", ErrMalformedLine, line, err)
	}
	return msg, nil
}

// EncodeLine serializes a command and its params into a wire line with its
// CRLF terminator. Params carrying CR, LF or NUL are refused with
// ErrLineInjection.
func EncodeLine(command string, params ...string) (string, error) {
	if strings.ContainsAny(command, "\r\n\x00 ") {
		return "", fmt.Errorf("%w: command %q", ErrLineInjection, command)
	}
	for _, p := range params {
		if strings.ContainsAny(p, "\r\n\x00") {
			return "", fmt.Errorf("%w: %s param %q", ErrLineInjection, command, p)
		}
	}

	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		return "", fmt.Errorf("irc: encode %s: %w", command, err)
	}
	return line, nil
}

// ContainsLineBreak reports whether s would split into more than one
// protocol line.
func ContainsLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
