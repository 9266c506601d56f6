// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topic converts messages to hub MQTT topic strings and back.
package topic

import (
	"net/url"
	"strings"
	"time"

	"github.com/absmach/iotdevice/message"
	"github.com/absmach/iotdevice/pkg/errors"
)

// System property keys carried in the topic property segment.
const (
	KeyMessageID          = "$.mid"
	KeyCorrelationID      = "$.cid"
	KeyExpiryTime         = "$.exp"
	KeyTo                 = "$.to"
	KeyContentEncoding    = "$.ce"
	KeyContentType        = "$.ct"
	KeyOutputName         = "$.on"
	KeyConnectionDeviceID = "$.cdid"
	KeyConnectionModuleID = "$.cmid"
	KeyCreationTime       = "$.ctime"
	KeyUserID             = "$.uid"
)

const (
	separator     = "/"
	pairSeparator = "&"
	keyValueSep   = "="
	encodedMarker = "%24."
	systemMarker  = "$."
	timeLayout    = "2006-01-02T15:04:05.000Z07:00"
)

// minTokens is the smallest token count of any hub topic.
const minTokens = 2

// ErrUnrecognized is returned by Decode for topics that carry no hub message.
var ErrUnrecognized = errors.New(errors.ErrInvalidArgument, "topic", "unrecognized topic")

type systemField struct {
	key    string
	value  func(message.Message) string
	escape bool
}

var systemFields = []systemField{
	{key: KeyMessageID, value: message.Message.MessageID},
	{key: KeyCorrelationID, value: message.Message.CorrelationID},
	{key: KeyExpiryTime, value: func(m message.Message) string { return formatTime(m.ExpiryTime()) }},
	{key: KeyTo, value: message.Message.To, escape: true},
	{key: KeyContentEncoding, value: message.Message.ContentEncoding},
	{key: KeyContentType, value: message.Message.ContentType, escape: true},
	{key: KeyOutputName, value: message.Message.OutputName},
	{key: KeyConnectionDeviceID, value: message.Message.ConnectionDeviceID},
	{key: KeyConnectionModuleID, value: message.Message.ConnectionModuleID},
	{key: KeyCreationTime, value: func(m message.Message) string { return formatTime(m.CreationTime()) }},
	{key: KeyUserID, value: message.Message.UserID},
}

// Encode appends the system properties of m, then its custom properties, to
// baseRoute. System values of $.to and $.ct are URL-encoded; the other system
// values are written as they are. Custom names and values are always encoded
// so separators inside them survive decoding.
func Encode(m message.Message, baseRoute string) (string, error) {
	if baseRoute == "" {
		return "", errors.New(errors.ErrInvalidArgument, "topic encode", "base route is empty")
	}

	var sb strings.Builder
	sb.WriteString(baseRoute)
	if !strings.HasSuffix(baseRoute, separator) {
		sb.WriteString(separator)
	}

	first := true
	appendPair := func(key, value string) {
		if !first {
			sb.WriteString(pairSeparator)
		}
		first = false
		sb.WriteString(key)
		sb.WriteString(keyValueSep)
		sb.WriteString(value)
	}

	for _, f := range systemFields {
		v := f.value(m)
		if v == "" {
			continue
		}
		if f.escape {
			v = escape(v)
		}
		appendPair(f.key, v)
	}
	for _, p := range m.Properties() {
		appendPair(escape(p.Name), escape(p.Value))
	}

	return sb.String(), nil
}

// Decode rebuilds a message from a topic and its payload. Route segments of
// device topics populate ConnectionDeviceID, and those of module and input
// topics also populate ConnectionModuleID and InputName.
func Decode(topic string, payload []byte) (message.Message, error) {
	tokens := strings.Split(topic, separator)
	if len(tokens) < minTokens {
		return message.Message{}, errors.New(errors.ErrInvalidArgument, "topic decode", "topic "+topic+" has too few segments")
	}
	if tokens[0] == iothubPrefix {
		return decodeIoTHub(tokens, payload)
	}

	opts, start := route(tokens)
	if start < len(tokens) {
		props, err := parseProperties(strings.Join(tokens[start:], separator))
		if err != nil {
			return message.Message{}, err
		}
		opts = append(opts, props...)
	}

	return message.New(payload, opts...)
}

// route returns the options implied by the fixed route segments and the index
// of the first segment of the property query.
func route(tokens []string) ([]message.Option, int) {
	opts := []message.Option{message.WithType(message.Telemetry)}
	n := len(tokens)

	if tokens[0] == "devices" && n >= 4 {
		// An explicit $.cdid in the query is applied later and wins.
		opts = append(opts, message.WithConnectionDeviceID(tokens[1]))
		switch {
		case tokens[2] == "messages" && (tokens[3] == "devicebound" || tokens[3] == "events"):
			return opts, 4
		case tokens[2] == "modules":
			opts = append(opts, message.WithConnectionModuleID(tokens[3]))
			if n >= 6 && tokens[4] == "inputs" {
				return append(opts, message.WithInputName(tokens[5])), 6
			}
			if n >= 6 && tokens[4] == "messages" && tokens[5] == "events" {
				return opts, 6
			}
			return opts, 4
		}
	}

	for i, t := range tokens {
		if strings.Contains(t, encodedMarker) || strings.Contains(t, systemMarker) {
			return opts, i
		}
	}
	return opts, n
}

func parseProperties(segment string) ([]message.Option, error) {
	var opts []message.Option
	for _, entry := range strings.Split(segment, pairSeparator) {
		if entry == "" {
			continue
		}
		rawKey, rawValue, ok := strings.Cut(entry, keyValueSep)
		if !ok {
			return nil, errors.New(errors.ErrInvalidArgument, "topic decode", "property "+entry+" has no value separator")
		}
		key, value := unescape(rawKey), unescape(rawValue)

		opt, err := propertyOption(key, value)
		if err != nil {
			return nil, err
		}
		if opt != nil {
			opts = append(opts, opt)
		}
	}
	return opts, nil
}

func propertyOption(key, value string) (message.Option, error) {
	switch key {
	case KeyMessageID:
		return message.WithMessageID(value), nil
	case KeyCorrelationID:
		return message.WithCorrelationID(value), nil
	case KeyTo:
		return message.WithTo(value), nil
	case KeyContentEncoding:
		return message.WithContentEncoding(value), nil
	case KeyContentType:
		return message.WithContentType(value), nil
	case KeyOutputName:
		return message.WithOutputName(value), nil
	case KeyConnectionDeviceID:
		return message.WithConnectionDeviceID(value), nil
	case KeyConnectionModuleID:
		return message.WithConnectionModuleID(value), nil
	case KeyUserID:
		return message.WithUserID(value), nil
	case KeyExpiryTime:
		t, err := parseTime(key, value)
		if err != nil {
			return nil, err
		}
		return message.WithExpiryTime(t), nil
	case KeyCreationTime:
		t, err := parseTime(key, value)
		if err != nil {
			return nil, err
		}
		return message.WithCreationTime(t), nil
	case message.AckProperty:
		return nil, nil
	}
	if strings.HasPrefix(key, message.ReservedPrefix) {
		// Service-side system properties with no client field.
		return nil, nil
	}
	return message.WithProperty(key, value), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(key, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrInvalidArgument, "topic decode "+key, err)
	}
	return t, nil
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// unescape leaves values with invalid escapes as they are on the wire.
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	u, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return u
}
