// Package extract turns inbound channel posts into forward candidates.
//
// A candidate is either a t.me link referencing a message in another
// channel, or the inbound message itself when it matches a configured
// keyword and carries no links.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"relaybot/internal/transport"
)

// linkRe matches public (t.me/<channel>/<id>) and private
// (t.me/c/<internal_id>/<id>) message links.
var linkRe = regexp.MustCompile(`https?://t\.me/(c/)?([A-Za-z0-9_]+)/([0-9]+)`)

// Candidate is one unit of forwarding work.
type Candidate struct {
	// Link is the matched link text; empty for in-hand candidates.
	Link string

	Channel   transport.ChannelRef
	MessageID int

	// InHand means the message is the inbound post itself and needs no
	// remote resolution before forwarding.
	InHand bool
}

// DedupKey returns the stable uniqueness key for this candidate.
// Two candidates referring to the same logical message produce equal keys.
func (c Candidate) DedupKey() string {
	if c.Channel.Username != "" {
		return strings.ToLower(c.Channel.Username) + ":" + strconv.Itoa(c.MessageID)
	}
	return strconv.FormatInt(c.Channel.ChatID, 10) + ":" + strconv.Itoa(c.MessageID)
}

type Config struct {
	Keywords      []string
	CaseSensitive bool
}

// Extractor is immutable after construction; rebuild it to change keywords.
type Extractor struct {
	patterns []*regexp.Regexp
}

func New(cfg Config) *Extractor {
	e := &Extractor{}
	for _, kw := range cfg.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		pat := `\b` + regexp.QuoteMeta(kw) + `\b`
		if !cfg.CaseSensitive {
			pat = `(?i)` + pat
		}
		if re, err := regexp.Compile(pat); err == nil {
			e.patterns = append(e.patterns, re)
		}
	}
	return e
}

// Scan produces candidates from an inbound message, in order of first
// appearance in the text. Malformed links are skipped, not errored.
func (e *Extractor) Scan(msg *transport.Message) []Candidate {
	if msg == nil || msg.Text == "" {
		return nil
	}

	var out []Candidate
	for _, m := range linkRe.FindAllStringSubmatch(msg.Text, -1) {
		c, ok := parseLinkMatch(m)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	if len(out) > 0 {
		return out
	}

	if e.matches(msg.Text) {
		return []Candidate{{
			Channel:   transport.ChannelRef{ChatID: msg.ChatID},
			MessageID: msg.ID,
			InHand:    true,
		}}
	}
	return nil
}

func (e *Extractor) matches(text string) bool {
	for _, re := range e.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func parseLinkMatch(m []string) (Candidate, bool) {
	private := m[1] != ""
	peer := m[2]
	id, err := strconv.Atoi(m[3])
	if err != nil || id <= 0 {
		return Candidate{}, false
	}

	c := Candidate{Link: m[0], MessageID: id}
	if private {
		// Private links carry the bare internal id; Telegram's chat id
		// convention prefixes it with -100.
		chatID, err := strconv.ParseInt("-100"+peer, 10, 64)
		if err != nil {
			return Candidate{}, false
		}
		c.Channel = transport.ChannelRef{ChatID: chatID}
	} else {
		c.Channel = transport.ChannelRef{Username: peer}
	}
	return c, true
}
