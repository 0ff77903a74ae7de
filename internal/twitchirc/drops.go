package twitchirc

import (
	"regexp"
	"strings"
	"sync"
)

// Reasons a server line produced no event.
const (
	dropUnparsed        = "unparsed"
	dropNotChat         = "not_privmsg"
	dropOtherChannel    = "other_channel"
	dropMysteryGift     = "mystery_gift_summary"
	dropUnhandledNotice = "unhandled_usernotice"
)

const dropSampleMaxLen = 96

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

// dropLedger counts drops per reason. Unhandled USERNOTICE types are
// remembered by msg-id so each new type is reported once.
type dropLedger struct {
	mu       sync.Mutex
	byReason map[string]int64
	notices  map[string]struct{}
}

func newDropLedger() *dropLedger {
	return &dropLedger{
		byReason: make(map[string]int64),
		notices:  make(map[string]struct{}),
	}
}

// note records one drop. It reports true the first time an unhandled notice
// with msgID is seen.
func (d *dropLedger) note(reason, msgID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byReason[reason]++
	if reason != dropUnhandledNotice {
		return false
	}
	if _, seen := d.notices[msgID]; seen {
		return false
	}
	d.notices[msgID] = struct{}{}
	return true
}

func (d *dropLedger) counts() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.byReason) == 0 {
		return nil
	}
	out := make(map[string]int64, len(d.byReason))
	for k, v := range d.byReason {
		out[k] = v
	}
	return out
}

// redactLine flattens a raw line for logging with credentials masked.
func redactLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if upper := strings.ToUpper(s); upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		return "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")
	if max > 3 && len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
