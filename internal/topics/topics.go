// Package topics implements MQTT topic name and filter handling: publish-topic
// validation, filter validation, and wildcard matching with single-level `+`
// and multi-level `#` semantics.
package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopic  = errors.New("eventbus: invalid topic name")
	ErrInvalidFilter = errors.New("eventbus: invalid topic filter")
)

// ValidateTopic checks that topic is usable for publishing: non-empty, valid
// UTF-8, and free of wildcard and null characters.
func ValidateTopic(topic string) error {
	if topic == "" || !utf8.ValidString(topic) {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopic
	}
	return nil
}

// ValidateFilter checks that filter is a well-formed subscription filter.
// `+` must occupy an entire level; `#` must occupy the final level.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || strings.Contains(filter, "\x00") {
		return ErrInvalidFilter
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidFilter
		}
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return ErrInvalidFilter
		}
	}
	return nil
}

// Match reports whether topic matches the subscription filter. The topic must
// not contain wildcards; filters follow MQTT rules where `+` matches exactly
// one level and a trailing `#` matches the parent level and everything below.
// Topics starting with `$` are only matched by filters that name the `$`
// level explicitly.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, level := range filterLevels {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
