package triggers

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// MatchFunc decides whether event satisfies a registration's configuration.
// An error means the registration itself is malformed.
type MatchFunc func(m *Matcher, reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error)

var matchers = map[schema.TriggerType]MatchFunc{
	schema.TriggerEmailReceived: matchEmail,
	schema.TriggerWebhook:       matchWebhook,
	schema.TriggerFileUploaded:  matchFileUpload,
	schema.TriggerSchedule:      matchSchedule,
	schema.TriggerManual:        matchManual,
}

// maxCachedPatterns bounds a Matcher's pattern cache.
const maxCachedPatterns = 512

// Matcher evaluates registrations against events and keeps the compiled
// patterns of the registrations it has seen.
type Matcher struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func NewMatcher() *Matcher {
	return &Matcher{patterns: make(map[string]*regexp.Regexp)}
}

// Match evaluates reg against event without caching.
func Match(reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	return NewMatcher().Match(reg, event)
}

// Match evaluates reg against event. Registrations of another type never match.
func (m *Matcher) Match(reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	if reg.Type != event.Type {
		return false, nil
	}
	fn, ok := matchers[reg.Type]
	if !ok {
		return false, matchError(reg, "no matcher for trigger type %q", reg.Type)
	}
	return fn(m, reg, event)
}

// Reset drops every cached pattern.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.patterns)
}

// Len reports how many patterns are cached.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patterns)
}

func matchError(reg *schema.TriggerRegistration, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTriggerMatch, format, args...).
		WithDetails(map[string]any{
			"registration_id": reg.ID,
			"template_id":     reg.TemplateID,
			"trigger_type":    string(reg.Type),
		})
}

func (m *Matcher) compile(p string) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.patterns[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	if len(m.patterns) >= maxCachedPatterns {
		clear(m.patterns)
	}
	m.patterns[p] = re
	return re, nil
}

func configString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func dataString(event schema.TriggerEvent, key string) string {
	switch v := event.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// matchEmail requires every configured pattern (from, subject) to match.
func matchEmail(m *Matcher, reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	for _, key := range []string{"from", "subject"} {
		pattern, err := configString(reg.Configuration, key)
		if err != nil {
			return false, matchError(reg, "%v", err)
		}
		if pattern == "" {
			continue
		}
		re, err := m.compile(pattern)
		if err != nil {
			return false, matchError(reg, "invalid %s pattern %q: %v", key, pattern, err)
		}
		if !re.MatchString(dataString(event, key)) {
			return false, nil
		}
	}
	return true, nil
}

// matchWebhook requires an exact path and a case-insensitive method match.
func matchWebhook(_ *Matcher, reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	wantPath, err := configString(reg.Configuration, "path")
	if err != nil {
		return false, matchError(reg, "%v", err)
	}
	if wantPath == "" {
		return false, matchError(reg, "webhook registration has no path")
	}
	wantMethod, err := configString(reg.Configuration, "method")
	if err != nil {
		return false, matchError(reg, "%v", err)
	}

	method := dataString(event, "method")
	if method == "" {
		method = defaultWebhookMethod
	}
	if wantMethod == "" {
		wantMethod = defaultWebhookMethod
	}
	return dataString(event, "path") == wantPath && strings.EqualFold(method, wantMethod), nil
}

// matchFileUpload checks the uploaded path against a glob and an optional extension list.
func matchFileUpload(_ *Matcher, reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	file := dataString(event, "path")
	glob, err := configString(reg.Configuration, "path")
	if err != nil {
		return false, matchError(reg, "%v", err)
	}
	if glob != "" {
		ok, err := path.Match(glob, file)
		if err != nil {
			return false, matchError(reg, "invalid path glob %q: %v", glob, err)
		}
		if !ok {
			return false, nil
		}
	}

	exts, err := stringList(reg.Configuration["extensions"])
	if err != nil {
		return false, matchError(reg, "extensions: %v", err)
	}
	if len(exts) == 0 {
		return true, nil
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(file)), ".")
	for _, want := range exts {
		if strings.TrimPrefix(strings.ToLower(want), ".") == ext {
			return true, nil
		}
	}
	return false, nil
}

// matchSchedule matches the ticks the scheduler emits for this registration.
func matchSchedule(_ *Matcher, reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	return dataString(event, "registrationId") == reg.ID, nil
}

// matchManual matches events naming this template, or naming none.
func matchManual(_ *Matcher, reg *schema.TriggerRegistration, event schema.TriggerEvent) (bool, error) {
	id := dataString(event, "templateId")
	return id == "" || id == reg.TemplateID, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}
