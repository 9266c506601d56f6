// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"fmt"
	"strings"

	"github.com/absmach/iotdevice/message"
	"github.com/absmach/iotdevice/pkg/errors"
)

const (
	iothubPrefix = "$iothub"
	queryPrefix  = "?"
	keyRequestID = "$rid"
	keyVersion   = "$version"
)

// Subscription filters.
const (
	TwinResponseFilter = "$iothub/twin/res/#"
	TwinDesiredFilter  = "$iothub/twin/PATCH/properties/desired/#"
	MethodFilter       = "$iothub/methods/POST/#"
)

// Telemetry returns the route a device or module sends events to.
func Telemetry(deviceID, moduleID string) string {
	if moduleID != "" {
		return fmt.Sprintf("devices/%s/modules/%s/messages/events/", deviceID, moduleID)
	}
	return fmt.Sprintf("devices/%s/messages/events/", deviceID)
}

// CloudToDeviceFilter returns the filter receiving cloud-to-device messages.
func CloudToDeviceFilter(deviceID string) string {
	return fmt.Sprintf("devices/%s/messages/devicebound/#", deviceID)
}

// InputsFilter returns the filter receiving messages routed to module inputs.
func InputsFilter(deviceID, moduleID string) string {
	return fmt.Sprintf("devices/%s/modules/%s/inputs/#", deviceID, moduleID)
}

func TwinGet(requestID string) string {
	return "$iothub/twin/GET/?$rid=" + requestID
}

// TwinPatchReported returns the reported-properties update topic. An empty
// version omits the optimistic concurrency check.
func TwinPatchReported(requestID, version string) string {
	t := "$iothub/twin/PATCH/properties/reported/?$rid=" + requestID
	if version != "" {
		t += "&$version=" + version
	}
	return t
}

func MethodResponse(status int, requestID string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, requestID)
}

// decodeIoTHub handles twin and method topics:
//
//	$iothub/twin/res/{status}/?$rid={rid}[&$version={v}]
//	$iothub/twin/PATCH/properties/desired/?$version={v}
//	$iothub/methods/POST/{name}/?$rid={rid}
func decodeIoTHub(tokens []string, payload []byte) (message.Message, error) {
	query, err := parseQuery(tokens)
	if err != nil {
		return message.Message{}, err
	}

	var opts []message.Option
	switch {
	case len(tokens) >= 4 && tokens[1] == "twin" && tokens[2] == "res":
		opts = append(opts,
			message.WithOperation(message.OpTwinResponse),
			message.WithStatus(tokens[3]),
			message.WithRequestID(query[keyRequestID]),
			message.WithVersion(query[keyVersion]),
		)
	case len(tokens) >= 5 && tokens[1] == "twin" && tokens[2] == "PATCH" &&
		tokens[3] == "properties" && tokens[4] == "desired":
		opts = append(opts,
			message.WithOperation(message.OpTwinDesiredPatch),
			message.WithVersion(query[keyVersion]),
		)
	case len(tokens) >= 4 && tokens[1] == "methods" && tokens[2] == "POST":
		rid, ok := query[keyRequestID]
		if !ok || rid == "" {
			return message.Message{}, errors.New(errors.ErrInvalidArgument, "topic decode", "method request without request id")
		}
		opts = append(opts,
			message.WithOperation(message.OpMethodRequest),
			message.WithMethodName(tokens[3]),
			message.WithRequestID(rid),
		)
	default:
		return message.Message{}, ErrUnrecognized
	}

	return message.New(payload, opts...)
}

// parseQuery reads the "?k=v&k=v" segment, if any. Entries without "=" are
// rejected the same way as topic property entries.
func parseQuery(tokens []string) (map[string]string, error) {
	query := map[string]string{}
	last := tokens[len(tokens)-1]
	if !strings.HasPrefix(last, queryPrefix) {
		return query, nil
	}
	for _, entry := range strings.Split(strings.TrimPrefix(last, queryPrefix), pairSeparator) {
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, keyValueSep)
		if !ok {
			return nil, errors.New(errors.ErrInvalidArgument, "topic decode", "query entry "+entry+" has no value separator")
		}
		query[unescape(k)] = unescape(v)
	}
	return query, nil
}
