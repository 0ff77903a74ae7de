package core

import (
	"strconv"
	"strings"
	"time"
)

// EventKind names the chat source events overlays react to.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventSubscription EventKind = "subscription"
	EventResub        EventKind = "resub"
	EventSubGift      EventKind = "subgift"
	EventCheer        EventKind = "cheer"
	EventRaided       EventKind = "raided"
)

// Sub plan identifiers as Twitch sends them in msg-param-sub-plan.
const (
	PlanPrime = "Prime"
	PlanTier1 = "1000"
	PlanTier2 = "2000"
	PlanTier3 = "3000"
)

// Tags is the validated form of a Twitch IRC tag set. Missing tags keep their zero
// value; role flags are derived from both the explicit tags and the badge list.
type Tags struct {
	ID          string
	Username    string
	DisplayName string
	UserID      string
	Color       string
	Badges      map[string]string
	BadgeInfo   map[string]string
	Mod         bool
	Subscriber  bool
	Broadcaster bool
	VIP         bool
	Bits        int
	MsgID       string
	SentAt      time.Time
	Raw         map[string]string
}

// Name returns the display name, falling back to the login name.
func (t Tags) Name() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.Username
}

// Event is a stream event: a chat message or a USERNOTICE-derived notification.
type Event struct {
	Kind      EventKind
	Channel   string
	Tags      Tags
	Text      string
	Plan      string // sub plan for subscription/resub/subgift
	Months    int
	GiftCount int
	Recipient string
	Bits      int
	Viewers   int
}

// TagsFromIRC validates a raw IRC tag map into Tags. login is the prefix nick used
// when the login tag is absent; channel is used to recognise the broadcaster.
func TagsFromIRC(raw map[string]string, login, channel string) Tags {
	t := Tags{
		ID:          raw["id"],
		Username:    strings.ToLower(firstNonEmpty(raw["login"], login)),
		DisplayName: raw["display-name"],
		UserID:      raw["user-id"],
		Color:       raw["color"],
		Badges:      parseBadgeList(raw["badges"]),
		BadgeInfo:   parseBadgeList(raw["badge-info"]),
		MsgID:       raw["msg-id"],
		Raw:         raw,
	}

	t.Mod = raw["mod"] == "1"
	t.Subscriber = raw["subscriber"] == "1"
	t.VIP = raw["vip"] == "1"
	if _, ok := t.Badges["moderator"]; ok {
		t.Mod = true
	}
	if _, ok := t.Badges["subscriber"]; ok {
		t.Subscriber = true
	}
	if _, ok := t.Badges["founder"]; ok {
		t.Subscriber = true
	}
	if _, ok := t.Badges["vip"]; ok {
		t.VIP = true
	}
	if _, ok := t.Badges["broadcaster"]; ok {
		t.Broadcaster = true
	}
	if channel != "" && strings.EqualFold(t.Username, strings.TrimPrefix(channel, "#")) {
		t.Broadcaster = true
	}

	if n, err := strconv.Atoi(raw["bits"]); err == nil && n > 0 {
		t.Bits = n
	}

	t.SentAt = time.Now().UTC()
	if ms, err := strconv.ParseInt(raw["tmi-sent-ts"], 10, 64); err == nil {
		t.SentAt = time.UnixMilli(ms).UTC()
	}

	if t.UserID == "" {
		t.UserID = t.Username
	}
	return t
}

func parseBadgeList(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, version, _ := strings.Cut(part, "/")
		out[name] = version
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
