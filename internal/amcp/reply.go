package amcp

import (
	"bufio"
	"strconv"
	"strings"
)

// Reply is one parsed reply from the remote. Every command line in a batch
// produces exactly one Reply.
type Reply struct {
	// Code is the three-digit status code. 2xx is success.
	Code int
	// Verb is whatever the remote echoed between the code and the
	// disposition, e.g. "PLAY" in "202 PLAY OK".
	Verb string
	// Disposition is the trailing token: OK, ERROR, or FAILED.
	Disposition string
	// Raw is the unmodified status line.
	Raw string
	// Payload holds the body lines that follow the status line, when the
	// code calls for them.
	Payload []string
}

// OK reports whether the reply is a success.
func (r Reply) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// IntPayload parses the first payload line as a base-10 integer.
// The second return is false when there is no payload or it is not a
// number; callers treat that as an unknown value, never as a failure.
func (r Reply) IntPayload() (int64, bool) {
	if len(r.Payload) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(r.Payload[0]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// readReply reads one complete reply from the stream: the status line plus
// any payload lines its code calls for. Errors are either *ProtocolError
// (malformed content) or the underlying read error.
func readReply(br *bufio.Reader) (Reply, error) {
	line, err := readLine(br)
	if err != nil {
		return Reply{}, err
	}

	rep, perr := parseStatusLine(line)
	if perr != nil {
		return Reply{}, perr
	}

	switch {
	case rep.Code == 200:
		// Data block terminated by an empty line.
		for {
			body, err := readLine(br)
			if err != nil {
				return rep, err
			}
			if body == "" {
				break
			}
			rep.Payload = append(rep.Payload, body)
		}
	case rep.Code == 201 || rep.Code == 400:
		// Exactly one line: reply data for 201, the offending command
		// echoed back for 400.
		body, err := readLine(br)
		if err != nil {
			return rep, err
		}
		rep.Payload = append(rep.Payload, body)
	}

	return rep, nil
}

// parseStatusLine splits "<code> [verb...] <disposition>" into a Reply.
func parseStatusLine(line string) (Reply, *ProtocolError) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Reply{}, &ProtocolError{Line: line, Reason: "short status line"}
	}

	code, err := strconv.Atoi(fields[0])
	if err != nil || code < 100 || code > 599 {
		return Reply{}, &ProtocolError{Line: line, Reason: "invalid status code"}
	}

	disp := fields[len(fields)-1]
	switch disp {
	case "OK", "ERROR", "FAILED":
	default:
		return Reply{}, &ProtocolError{Line: line, Reason: "invalid disposition"}
	}

	return Reply{
		Code:        code,
		Verb:        strings.Join(fields[1:len(fields)-1], " "),
		Disposition: disp,
		Raw:         line,
	}, nil
}

// readLine reads one CRLF-terminated line and strips the terminator.
// A bare LF is tolerated.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
