package flows

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/solvia-ai/relay/pkg/models"
)

// metaBotUsername is the message metadata key channel adapters set to the
// receiving bot's identity (telegram).
const metaBotUsername = "bot_username"

// matcher evaluates declarative routing rules. Compiled patterns and
// loaded timezones are cached; invalid ones are warned about once and then
// never match.
type matcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
	zones   map[string]*time.Location
}

func newMatcher(logger *slog.Logger) *matcher {
	return &matcher{
		logger:  logger,
		regexps: make(map[string]*regexp.Regexp),
		zones:   make(map[string]*time.Location),
	}
}

// matches reports whether every populated condition holds. Rules with no
// populated conditions match nothing: a catch-all flow is expressed with
// an explicit channel-type list, not an empty rule set.
func (m *matcher) matches(rules *models.RoutingRules, msg *models.NormalizedMessage, now time.Time) bool {
	populated := false

	if len(rules.ChannelTypes) > 0 {
		populated = true
		if !containsChannel(rules.ChannelTypes, msg.ChannelType) {
			return false
		}
	}

	if len(rules.PhonePatterns) > 0 {
		populated = true
		if !m.anyPatternMatches(rules.PhonePatterns, msg.UserID) {
			return false
		}
	}

	if len(rules.BotUsernames) > 0 {
		populated = true
		if !matchesBotUsername(rules.BotUsernames, msg.Metadata) {
			return false
		}
	}

	if len(rules.TimeWindows) > 0 {
		populated = true
		if !m.anyWindowContains(rules.TimeWindows, now) {
			return false
		}
	}

	if len(rules.Metadata) > 0 {
		populated = true
		if !metadataMatches(rules.Metadata, msg.Metadata) {
			return false
		}
	}

	return populated
}

func containsChannel(channels []models.ChannelType, channel models.ChannelType) bool {
	for _, c := range channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (m *matcher) anyPatternMatches(patterns []string, userID string) bool {
	for _, expr := range patterns {
		if re := m.pattern(expr); re != nil && re.MatchString(userID) {
			return true
		}
	}
	return false
}

func matchesBotUsername(usernames []string, metadata map[string]any) bool {
	got, _ := metadata[metaBotUsername].(string)
	got = strings.TrimPrefix(got, "@")
	if got == "" {
		return false
	}
	for _, want := range usernames {
		if strings.EqualFold(strings.TrimPrefix(want, "@"), got) {
			return true
		}
	}
	return false
}

func (m *matcher) anyWindowContains(windows []models.TimeWindow, now time.Time) bool {
	for _, w := range windows {
		if m.windowContains(w, now) {
			return true
		}
	}
	return false
}

// windowContains reports whether now falls inside the window, read in the
// window's timezone. End at or before Start wraps past midnight.
func (m *matcher) windowContains(w models.TimeWindow, now time.Time) bool {
	loc := m.zone(w.Timezone)
	if loc == nil {
		return false
	}
	start, ok := parseClock(w.Start)
	if !ok {
		m.logger.Warn("invalid window start in routing rule", "start", w.Start)
		return false
	}
	end, ok := parseClock(w.End)
	if !ok {
		m.logger.Warn("invalid window end in routing rule", "end", w.End)
		return false
	}
	if start == end {
		return false
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if end > start {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func metadataMatches(want map[string]string, metadata map[string]any) bool {
	for key, expected := range want {
		value, ok := metadata[key]
		if !ok || stringify(value) != expected {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// pattern compiles and caches a phone regexp. Invalid expressions are
// cached as nil so the warning fires once.
func (m *matcher) pattern(expr string) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()

	if re, ok := m.regexps[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		m.logger.Warn("invalid phone pattern in routing rule", "pattern", expr, "error", err)
		m.regexps[expr] = nil
		return nil
	}
	m.regexps[expr] = re
	return re
}

// zone loads and caches an IANA timezone. Unknown zones are cached as nil.
func (m *matcher) zone(name string) *time.Location {
	if name == "" {
		return time.UTC
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if loc, ok := m.zones[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		m.logger.Warn("invalid timezone in routing rule", "timezone", name, "error", err)
		m.zones[name] = nil
		return nil
	}
	m.zones[name] = loc
	return loc
}
