package mqtt

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	TopicSeparator      = "/"
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"

	maxTopicLength = 65535
)

var (
	ErrEmptyTopic       = errors.New("topic must not be empty")
	ErrTopicTooLong     = errors.New("topic exceeds 65535 bytes")
	ErrInvalidTopicUTF8 = errors.New("topic is not valid UTF-8")
	ErrWildcardInTopic  = errors.New("topic name must not contain wildcards")
	ErrInvalidWildcard  = errors.New("wildcard must occupy a whole topic level and '#' must be last")
)

func validateTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > maxTopicLength {
		return ErrTopicTooLong
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicUTF8
	}
	return nil
}

// ValidateTopicName checks a topic used for PUBLISH.
func ValidateTopicName(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, SingleLevelWildcard+MultiLevelWildcard) {
		return ErrWildcardInTopic
	}
	return nil
}

// ValidateTopicFilter checks a topic filter used for SUBSCRIBE.
func ValidateTopicFilter(filter string) error {
	if err := validateTopic(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, TopicSeparator)
	for i, level := range levels {
		switch {
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return ErrInvalidWildcard
			}
		case level == SingleLevelWildcard:
		case strings.ContainsAny(level, SingleLevelWildcard+MultiLevelWildcard):
			return ErrInvalidWildcard
		}
	}
	return nil
}

// IsWildcard reports whether filter contains '+' or '#'.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, SingleLevelWildcard+MultiLevelWildcard)
}

// MatchTopic reports whether topic matches filter. Topics starting with '$'
// are not matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, SingleLevelWildcard) || strings.HasPrefix(filter, MultiLevelWildcard)) {
		return false
	}

	filterLevels := strings.Split(filter, TopicSeparator)
	topicLevels := strings.Split(topic, TopicSeparator)

	for i, level := range filterLevels {
		if level == MultiLevelWildcard {
			// "a/#" 同时匹配 "a"
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
