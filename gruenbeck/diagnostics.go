package gruenbeck

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	redactedPlaceholder = "**REDACTED**"
	diagnosticCapacity  = 200
)

// Secrets and identifying values that must never leave a diagnostics
// dump: tokens, ids, serial numbers and installer contact data.
var diagnosticPatterns = []struct {
	re    *regexp.Regexp
	group int
}{
	{regexp.MustCompile(`%3d([A-Za-z0-9_\-.]+)(%26|")`), 1},
	{regexp.MustCompile(`(access_token|id_token|client_info|resource|refresh_token|id|serialNumber|accessToken|connectionId|pmailadress|pname|ptelnr)":\s*"([A-Za-z0-9_\-./\s@+]+)"`), 2},
	{regexp.MustCompile(`Bearer ([A-Za-z0-9_\-.]+)`), 1},
	{regexp.MustCompile(`(access_token|code|refresh_token)=([A-Za-z0-9_\-.%]+)`), 2},
}

// Redact strips credentials and identifiers from a diagnostic line.
func Redact(line string) string {
	for _, p := range diagnosticPatterns {
		line = redactGroup(line, p.re, p.group)
	}
	return line
}

func redactGroup(line string, re *regexp.Regexp, group int) string {
	var out strings.Builder
	last := 0
	for _, idx := range re.FindAllStringSubmatchIndex(line, -1) {
		start, end := idx[2*group], idx[2*group+1]
		if start < 0 {
			continue
		}
		out.WriteString(line[last:start])
		out.WriteString(redactedPlaceholder)
		last = end
	}
	out.WriteString(line[last:])
	return out.String()
}

// diagnosticLog is a bounded in-memory record of recent API traffic,
// redacted at write time so raw secrets are never retained.
type diagnosticLog struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

func newDiagnosticLog() *diagnosticLog {
	return &diagnosticLog{entries: make([]string, diagnosticCapacity)}
}

func (l *diagnosticLog) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = Redact(line)
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

func (l *diagnosticLog) recordRequest(method, target string, body []byte) {
	line := fmt.Sprintf("%s request %s %s", time.Now().UTC().Format(time.RFC3339), method, target)
	if len(body) > 0 {
		line += " " + snippet(body)
	}
	l.add(line)
}

func (l *diagnosticLog) recordResponse(method, target string, status int, body []byte) {
	l.add(fmt.Sprintf("%s response %d %s %s %s", time.Now().UTC().Format(time.RFC3339), status, method, target, snippet(body)))
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

func (l *diagnosticLog) recordError(method, target string, err error) {
	l.add(fmt.Sprintf("%s error %s %s: %v", time.Now().UTC().Format(time.RFC3339), method, target, err))
}

func (l *diagnosticLog) dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	if l.full {
		out = append(out, l.entries[l.next:]...)
	}
	out = append(out, l.entries[:l.next]...)
	return out
}

// Diagnostics returns the recent, redacted API traffic log for support
// dumps.
func (c *Client) Diagnostics() []string {
	return c.diag.dump()
}
