package tunnel

import (
	"net"
	"regexp"
	"strings"
)

type lineKind int

const (
	lineOther lineKind = iota
	lineReady
	lineAuthFailed
)

type outputLine struct {
	kind    lineKind
	device  string
	address string
}

var (
	// "Connected tun0 as 10.0.0.5" and the F5 form "Configured as 10.0.0.5, with SSL connected"
	readyPattern      = regexp.MustCompile(`(?:Connected\s+(\w+)\s+as|Configured as)\s+(\S+)`)
	authFailedPattern = regexp.MustCompile(`Failed to authenticate`)
)

const defaultDevice = "tun"

func parseLine(line string) outputLine {
	if m := readyPattern.FindStringSubmatch(line); m != nil {
		addr := strings.TrimRight(strings.TrimSpace(m[2]), ",")
		if net.ParseIP(addr) != nil {
			dev := m[1]
			if dev == "" {
				dev = defaultDevice
			}
			return outputLine{kind: lineReady, device: dev, address: addr}
		}
	}
	if authFailedPattern.MatchString(line) {
		return outputLine{kind: lineAuthFailed}
	}
	return outputLine{kind: lineOther}
}

// Args builds the client command line. The password, when present, goes to
// stdin and never onto the command line.
func Args(protocol, user, server string, extra []string, passwordOnStdin bool) []string {
	var args []string
	if protocol != "" {
		args = append(args, "--protocol="+protocol)
	}
	if user != "" {
		args = append(args, "--user="+user)
	}
	if passwordOnStdin {
		args = append(args, "--passwd-on-stdin")
	}
	args = append(args, extra...)
	if server != "" {
		args = append(args, server)
	}
	return args
}
