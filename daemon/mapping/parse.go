package mapping

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Grammar is the expected form of a mapping line.
const Grammar = "<protocol> | <priority> | <src-host>:<src-port> -> <dst-host>:<dst-port>"

// tokens of a mapping line, in order. Separators are matched literally.
var lineTokens = []struct {
	name string
	sep  bool
}{
	{name: "<protocol>"},
	{name: "|", sep: true},
	{name: "<priority>"},
	{name: "|", sep: true},
	{name: "<src-host>:<src-port>"},
	{name: "->", sep: true},
	{name: "<dst-host>:<dst-port>"},
}

// ParseError is returned for a malformed mapping line. It is an
// [errdefs.ErrInvalidArgument].
type ParseError struct {
	// Line is the 1-based line number in the mapping file, or 0 if the
	// text was not read from a file.
	Line int
	// Text is the offending line.
	Text string
	// Token is the malformed token, or the name of the missing one.
	Token string
	// Reason describes what is wrong with Token.
	Reason string
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("invalid mapping %q: %s; expected '%s'", e.Text, e.Reason, Grammar)
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

func parseError(text, token, format string, args ...any) *ParseError {
	return &ParseError{Text: text, Token: token, Reason: fmt.Sprintf(format, args...)}
}

// Parse parses a single mapping line of the form
//
//	<protocol> | <priority> | <src-host>:<src-port> -> <dst-host>:<dst-port>
//
// Tokens are separated by whitespace. IPv6 addresses use the bracketed
// form, for example "[::1]:8080".
func Parse(text string) (Mapping, error) {
	fields := strings.Fields(text)
	for i, tok := range lineTokens {
		if i >= len(fields) {
			return Mapping{}, parseError(text, tok.name, "missing %s", tok.name)
		}
		if tok.sep && fields[i] != tok.name {
			return Mapping{}, parseError(text, fields[i], "unexpected token %q where %q was expected", fields[i], tok.name)
		}
	}
	if len(fields) > len(lineTokens) {
		extra := fields[len(lineTokens)]
		return Mapping{}, parseError(text, extra, "unexpected trailing token %q", extra)
	}

	proto, err := ParseProtocol(fields[0])
	if err != nil {
		return Mapping{}, parseError(text, fields[0], "'%s' is not a valid protocol name, must be tcp or udp", fields[0])
	}
	prio, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return Mapping{}, parseError(text, fields[2], "'%s' is not a valid priority number, must be 0-255", fields[2])
	}
	bind, err := netip.ParseAddrPort(fields[4])
	if err != nil {
		return Mapping{}, parseError(text, fields[4], "'%s' is not a valid socket address", fields[4])
	}
	dest, err := netip.ParseAddrPort(fields[6])
	if err != nil {
		return Mapping{}, parseError(text, fields[6], "'%s' is not a valid socket address", fields[6])
	}
	if dest.Port() == 0 {
		return Mapping{}, parseError(text, fields[6], "destination port must not be 0")
	}

	return Mapping{
		Proto:    proto,
		Bind:     bind,
		Dest:     dest,
		Priority: uint8(prio),
	}, nil
}

// Load reads mappings from r, one per line, and returns them in file order.
// Blank lines and lines starting with '#' are ignored. Two mappings of the
// same protocol may not bind overlapping addresses, see [Overlaps].
func Load(r io.Reader) ([]Mapping, error) {
	var (
		mappings []Mapping
		lines    []int
		lineNo   int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m, err := Parse(line)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				perr.Line = lineNo
			}
			return nil, err
		}
		for i, prev := range mappings {
			if !Overlaps(prev, m) {
				continue
			}
			reason := fmt.Sprintf("%s is already mapped on line %d", m.Key(), lines[i])
			if prev.Bind != m.Bind {
				reason = fmt.Sprintf("%s overlaps %s on line %d", m.Key(), prev.Key(), lines[i])
			}
			return nil, &ParseError{
				Line:   lineNo,
				Text:   line,
				Token:  m.Bind.String(),
				Reason: reason,
			}
		}
		mappings = append(mappings, m)
		lines = append(lines, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read mappings")
	}
	return mappings, nil
}

// Overlaps reports whether a and b cannot both be bound: same protocol,
// same port, and addresses that are equal or covered by a wildcard. The
// IPv6 wildcard also covers IPv4, as listeners on "[::]" are dual-stack.
// Port 0 asks the kernel for a free port and never overlaps.
func Overlaps(a, b Mapping) bool {
	if a.Proto != b.Proto || a.Bind.Port() != b.Bind.Port() || a.Bind.Port() == 0 {
		return false
	}
	x, y := a.Bind.Addr().Unmap(), b.Bind.Addr().Unmap()
	return x == y || coversAddr(x, y) || coversAddr(y, x)
}

func coversAddr(wildcard, addr netip.Addr) bool {
	return wildcard.IsUnspecified() && (wildcard.Is6() || addr.Is4())
}

// LoadFile reads mappings from the file at path. See [Load].
func LoadFile(path string) ([]Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mapping file")
	}
	defer f.Close()

	mappings, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load mappings from %s", path)
	}
	return mappings, nil
}
