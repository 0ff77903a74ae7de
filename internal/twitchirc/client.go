package twitchirc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/you/overlaykit/internal/core"
)

type Config struct {
	Channel       string
	Nick          string
	Token         string
	UseTLS        bool
	TokenProvider func() string
	Addr          string

	// SayBurst messages may be sent per SayWindow; Twitch allows 20 per 30s
	// for regular accounts.
	SayBurst  int
	SayWindow time.Duration
}

// Client reads chat and stream notices from Twitch IRC and emits them as
// core.Event values. It reconnects with backoff until its context ends.
type Client struct {
	cfg      Config
	recorder Recorder
	limiter  *rate.Limiter
	drops    *dropLedger
	stats    stats

	mu       sync.RWMutex
	handlers map[core.EventKind][]func(core.Event)

	sendMu sync.Mutex
	send   func(string) error
}

var (
	errAuthFailed   = errors.New("twitchirc: authentication failed")
	errNotConnected = errors.New("twitchirc: not connected")
)

func New(cfg Config, opts ...Option) *Client {
	if cfg.SayBurst <= 0 {
		cfg.SayBurst = 20
	}
	if cfg.SayWindow <= 0 {
		cfg.SayWindow = 30 * time.Second
	}
	c := &Client{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.SayWindow/time.Duration(cfg.SayBurst)), cfg.SayBurst),
		drops:    newDropLedger(),
		handlers: make(map[core.EventKind][]func(core.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithRecorder reports event and drop counts.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// On registers fn for events of kind. Handlers run on the read loop; a panic in
// one is logged and does not stop the loop.
func (c *Client) On(kind core.EventKind, fn func(core.Event)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], fn)
	c.mu.Unlock()
}

// Say sends a chat message, waiting for the send rate limit.
func (c *Client) Say(ctx context.Context, channel, text string) error {
	text = strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(text)), " ")
	if text == "" {
		return nil
	}
	channel = strings.TrimPrefix(strings.TrimSpace(channel), "#")
	if channel == "" {
		channel = c.cfg.Channel
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("twitchirc: say rate limit: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.send == nil {
		return errNotConnected
	}
	if err := c.send("PRIVMSG #" + channel + " :" + text); err != nil {
		return fmt.Errorf("twitchirc: send PRIVMSG: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send != nil
}

func (c *Client) Run(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.Channel) == "" || strings.TrimSpace(c.cfg.Nick) == "" {
		return errors.New("twitchirc: channel and nick are required")
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if err == nil {
			backoff = time.Second
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}

		if errors.Is(err, errAuthFailed) {
			log.Warn().Dur("retry_in", backoff).Msg("twitchirc: authentication failed")
		} else {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("twitchirc: disconnected; reconnecting")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < 60*time.Second {
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	token := strings.TrimSpace(c.cfg.Token)
	if c.cfg.TokenProvider != nil {
		if provided := strings.TrimSpace(c.cfg.TokenProvider()); provided != "" {
			token = provided
		}
	}
	anonymous := token == ""
	nick := c.cfg.Nick
	if anonymous {
		nick = fmt.Sprintf("justinfan%d", time.Now().UnixNano()%100000)
	} else if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	host := "irc.chat.twitch.tv"
	addr := host + ":6667"
	if c.cfg.UseTLS {
		addr = host + ":6697"
	}
	if strings.TrimSpace(c.cfg.Addr) != "" {
		addr = strings.TrimSpace(c.cfg.Addr)
	}

	log.Info().Str("addr", addr).Bool("tls", c.cfg.UseTLS).Msg("twitchirc: connecting")

	d := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if c.cfg.UseTLS {
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: host})
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	var writeMu sync.Mutex
	send := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := rw.WriteString(s + "\r\n"); err != nil {
			return err
		}
		return rw.Flush()
	}

	// unblock the reader when ctx ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if !anonymous {
		if err := send("PASS " + token); err != nil {
			return fmt.Errorf("send PASS: %w", err)
		}
	}
	if err := send("NICK " + nick); err != nil {
		return fmt.Errorf("send NICK: %w", err)
	}
	if err := send("CAP REQ :twitch.tv/tags twitch.tv/commands"); err != nil {
		return fmt.Errorf("send CAP REQ: %w", err)
	}
	if err := send("JOIN #" + c.cfg.Channel); err != nil {
		return fmt.Errorf("send JOIN: %w", err)
	}
	log.Info().Str("channel", c.cfg.Channel).Str("nick", nick).Bool("anonymous", anonymous).Msg("twitchirc: joined")

	if !anonymous {
		c.sendMu.Lock()
		c.send = send
		c.sendMu.Unlock()
		defer func() {
			c.sendMu.Lock()
			c.send = nil
			c.sendMu.Unlock()
		}()
	}

	reader := rw.Reader
	var (
		total        int
		window       int
		nextTick     = time.Now().Add(10 * time.Second)
		readDeadline = 2 * time.Minute
		nextPing     = time.Now().Add(4 * time.Minute)
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				now := time.Now()
				if !now.Before(nextPing) {
					if err := send("PING :keepalive"); err != nil {
						return fmt.Errorf("send PING: %w", err)
					}
					nextPing = now.Add(4 * time.Minute)
				}
				if !now.Before(nextTick) {
					log.Debug().Int("window", window).Int("total", total).Msg("twitchirc: recv")
					window = 0
					nextTick = now.Add(10 * time.Second)
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		now := time.Now()
		if !now.Before(nextTick) {
			log.Debug().Int("window", window).Int("total", total).Msg("twitchirc: recv")
			window = 0
			nextTick = now.Add(10 * time.Second)
		}
		nextPing = now.Add(4 * time.Minute)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if authFailure(line) {
			return errAuthFailed
		}

		if strings.HasPrefix(line, "PING ") {
			if err := send("PONG " + strings.TrimPrefix(line, "PING ")); err != nil {
				return fmt.Errorf("send PONG: %w", err)
			}
			continue
		}

		msg, ok := parseLine(line)
		if !ok {
			c.drop(dropUnparsed, "", line)
			continue
		}
		if msg.command == "RECONNECT" {
			return fmt.Errorf("server requested reconnect")
		}

		events, reason := toEvents(msg, c.cfg.Channel)
		if len(events) == 0 {
			c.drop(reason, msg.tags["msg-id"], line)
			continue
		}
		total++
		window++
		for _, ev := range events {
			c.emit(ev)
		}
	}
}

func (c *Client) drop(reason, msgID, line string) {
	c.stats.dropped.Add(1)
	if c.recorder != nil {
		c.recorder.ChatDropped(reason)
	}
	switch {
	case c.drops.note(reason, msgID):
		log.Info().Str("msg_id", msgID).Str("line", redactLine(line, dropSampleMaxLen)).Msg("twitchirc: unhandled notice type")
	case reason == dropUnparsed:
		log.Debug().Str("line", redactLine(line, dropSampleMaxLen)).Msg("twitchirc: unparsed line")
	}
}

func (c *Client) emit(ev core.Event) {
	c.stats.events.Add(1)
	if c.recorder != nil {
		c.recorder.ChatEvent(string(ev.Kind))
	}
	c.mu.RLock()
	fns := append(([]func(core.Event))(nil), c.handlers[ev.Kind]...)
	c.mu.RUnlock()
	for _, fn := range fns {
		callHandler(fn, ev)
	}
}

func callHandler(fn func(core.Event), ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(ev.Kind)).Interface("panic", r).Msg("twitchirc: handler panicked")
		}
	}()
	fn(ev)
}

// ircLine is one parsed IRC protocol line.
type ircLine struct {
	tags     map[string]string
	prefix   string
	command  string
	params   []string
	trailing string
}

func parseLine(line string) (ircLine, bool) {
	var out ircLine
	rest := line

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return out, false
		}
		out.tags = parseTags(rest[1:idx])
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if strings.HasPrefix(rest, ":") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return out, false
		}
		out.prefix = rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
	}

	if idx := strings.Index(rest, " :"); idx != -1 {
		out.trailing = rest[idx+2:]
		rest = rest[:idx]
	} else if strings.HasPrefix(rest, ":") {
		out.trailing = rest[1:]
		rest = ""
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return out, false
	}
	out.command = strings.ToUpper(fields[0])
	out.params = fields[1:]
	return out, true
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		key, val, _ := strings.Cut(kv, "=")
		tags[key] = unescapeIRC(val)
	}
	return tags
}

// toEvents maps a parsed line to stream events. When nothing is emitted the
// second result names the drop reason.
func toEvents(msg ircLine, channel string) ([]core.Event, string) {
	switch msg.command {
	case "PRIVMSG", "USERNOTICE":
	default:
		return nil, dropNotChat
	}
	if len(msg.params) == 0 || !strings.EqualFold(strings.TrimPrefix(msg.params[0], "#"), channel) {
		return nil, dropOtherChannel
	}

	chanName := strings.ToLower(strings.TrimPrefix(msg.params[0], "#"))
	tags := core.TagsFromIRC(msg.tags, extractUser(msg.prefix), chanName)
	base := core.Event{Channel: chanName, Tags: tags, Text: msg.trailing}

	if msg.command == "PRIVMSG" {
		if strings.HasPrefix(base.Text, "\x01ACTION ") {
			base.Text = strings.TrimSuffix(strings.TrimPrefix(base.Text, "\x01ACTION "), "\x01")
		}
		base.Kind = core.EventMessage
		out := []core.Event{base}
		if tags.Bits > 0 {
			cheer := base
			cheer.Kind = core.EventCheer
			cheer.Bits = tags.Bits
			out = append(out, cheer)
		}
		return out, ""
	}

	ev := base
	ev.Plan = msg.tags["msg-param-sub-plan"]
	ev.Months = atoi(msg.tags["msg-param-cumulative-months"])
	switch msg.tags["msg-id"] {
	case "sub":
		ev.Kind = core.EventSubscription
	case "resub":
		ev.Kind = core.EventResub
	case "subgift", "anonsubgift":
		ev.Kind = core.EventSubGift
		ev.GiftCount = 1
		ev.Recipient = firstNonEmpty(msg.tags["msg-param-recipient-display-name"], msg.tags["msg-param-recipient-user-name"])
	case "submysterygift":
		// individual subgift notices follow and carry the time
		return nil, dropMysteryGift
	case "raid":
		ev.Kind = core.EventRaided
		ev.Viewers = atoi(msg.tags["msg-param-viewerCount"])
	default:
		return nil, dropUnhandledNotice
	}
	return []core.Event{ev}, ""
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}

func extractUser(prefix string) string {
	prefix = strings.TrimPrefix(prefix, ":")
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
