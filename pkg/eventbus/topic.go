package eventbus

import (
	"fmt"
	"strings"
)

// Topics are colon-separated segments ("agent:started"). A segment may
// contain letters, digits, '_' and '-'; '.' is reserved so topic names
// map bijectively onto log file names. In patterns, '*' matches exactly
// one whole segment: "agent:*" matches "agent:started" but not
// "agent:a:b".

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// ValidateTopic checks a concrete topic name (no wildcards).
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	for _, seg := range strings.Split(topic, ":") {
		if !validSegment(seg) {
			return fmt.Errorf("invalid topic %q: bad segment %q", topic, seg)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern, allowing '*' segments.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("topic pattern cannot be empty")
	}
	for _, seg := range strings.Split(pattern, ":") {
		if seg == "*" {
			continue
		}
		if !validSegment(seg) {
			return fmt.Errorf("invalid topic pattern %q: bad segment %q", pattern, seg)
		}
	}
	return nil
}

// MatchTopic reports whether a concrete topic matches a pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ":")
	ts := strings.Split(topic, ":")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// topicFileName maps a topic to its log file name. Bijective because
// '.' is forbidden in segments.
func topicFileName(topic string) string {
	return strings.ReplaceAll(topic, ":", ".") + ".jsonl"
}

// topicFromFileName is the inverse of topicFileName.
func topicFromFileName(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".jsonl")
	if !ok {
		return "", false
	}
	return strings.ReplaceAll(base, ".", ":"), true
}
