package core

import "testing"

func TestTagsFromIRCRoles(t *testing.T) {
	tests := []struct {
		name        string
		raw         map[string]string
		login       string
		mod         bool
		sub         bool
		broadcaster bool
	}{
		{
			name:  "moderator badge",
			raw:   map[string]string{"badges": "moderator/1,subscriber/6", "display-name": "Mod", "user-id": "42"},
			login: "mod",
			mod:   true,
			sub:   true,
		},
		{
			name:  "mod tag only",
			raw:   map[string]string{"mod": "1"},
			login: "someone",
			mod:   true,
		},
		{
			name:        "broadcaster badge",
			raw:         map[string]string{"badges": "broadcaster/1"},
			login:       "streamer",
			broadcaster: true,
		},
		{
			name:        "channel owner without badge",
			raw:         map[string]string{},
			login:       "Chan",
			broadcaster: true,
		},
		{
			name:  "founder counts as subscriber",
			raw:   map[string]string{"badges": "founder/0"},
			login: "early",
			sub:   true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tags := TagsFromIRC(tt.raw, tt.login, "#chan")
			if tags.Mod != tt.mod || tags.Subscriber != tt.sub || tags.Broadcaster != tt.broadcaster {
				t.Fatalf("roles = mod:%v sub:%v bc:%v, want mod:%v sub:%v bc:%v",
					tags.Mod, tags.Subscriber, tags.Broadcaster, tt.mod, tt.sub, tt.broadcaster)
			}
		})
	}
}

func TestTagsFromIRCDefaults(t *testing.T) {
	tags := TagsFromIRC(map[string]string{"bits": "nope", "tmi-sent-ts": "1700000000000"}, "Viewer", "chan")
	if tags.Username != "viewer" {
		t.Fatalf("username = %q, want viewer", tags.Username)
	}
	if tags.UserID != "viewer" {
		t.Fatalf("user id fallback = %q, want viewer", tags.UserID)
	}
	if tags.Bits != 0 {
		t.Fatalf("bits = %d, want 0", tags.Bits)
	}
	if tags.SentAt.UnixMilli() != 1700000000000 {
		t.Fatalf("sent at = %v", tags.SentAt)
	}
	if tags.Name() != "viewer" {
		t.Fatalf("name = %q", tags.Name())
	}
}
