// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"strings"
	"unicode/utf8"

	"github.com/absmach/iotdevice/pkg/errors"
)

const maxTopicLength = 65535

// Validate checks that name can be published to: non-empty, valid UTF-8, no
// wildcards, no NUL characters and within the MQTT length limit.
func Validate(name string) error {
	switch {
	case name == "":
		return errors.New(errors.ErrInvalidArgument, "topic", "topic is empty")
	case len(name) > maxTopicLength:
		return errors.New(errors.ErrInvalidArgument, "topic", "topic exceeds maximum length")
	case strings.ContainsAny(name, "+#"):
		return errors.New(errors.ErrInvalidArgument, "topic", "topic contains wildcards")
	case !utf8.ValidString(name):
		return errors.New(errors.ErrInvalidArgument, "topic", "topic is not valid UTF-8")
	case strings.ContainsRune(name, 0):
		return errors.New(errors.ErrInvalidArgument, "topic", "topic contains NUL")
	}
	return nil
}

// Match reports whether topic matches filter under MQTT wildcard rules.
// Topics starting with '$' only match filters that name the '$' level.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, separator)
	topicLevels := strings.Split(topic, separator)

	if strings.HasPrefix(topic, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, f := range filterLevels {
		if f == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if f != "+" && f != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
