// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package contract holds the provisioning service wire types shared by the
// transport and the registration flow.
package contract

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// State describes what a ResponseData carries.
type State int

const (
	StateUnknown State = iota
	StateRegistrationReceived
	StateNonceReceived
	StateError
)

func (s State) String() string {
	switch s {
	case StateRegistrationReceived:
		return "registration_received"
	case StateNonceReceived:
		return "nonce_received"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ResponseData is a raw service reply handed to a ResponseCallback.
type ResponseData struct {
	Body  []byte
	State State
	// RetryAfter is the service's requested delay before the next status poll.
	RetryAfter time.Duration
}

// ResponseCallback receives a reply together with the caller's context value.
type ResponseCallback func(resp ResponseData, cbCtx any)

// Registration statuses reported by the service.
const (
	StatusUnassigned = "unassigned"
	StatusAssigning  = "assigning"
	StatusAssigned   = "assigned"
	StatusFailed     = "failed"
	StatusDisabled   = "disabled"
)

// TPMAttestation is the TPM section of a register request.
type TPMAttestation struct {
	EndorsementKey string `json:"endorsementKey"`
	StorageRootKey string `json:"storageRootKey,omitempty"`
}

// RegisterRequest is the body of a register message.
type RegisterRequest struct {
	RegistrationID string          `json:"registrationId"`
	TPM            *TPMAttestation `json:"tpm,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// TPMRegistrationResult carries the encrypted authentication key issued to a
// TPM device.
type TPMRegistrationResult struct {
	AuthenticationKey string `json:"authenticationKey"`
}

// RegistrationState is the device registration outcome.
type RegistrationState struct {
	RegistrationID         string                 `json:"registrationId"`
	CreatedDateTimeUTC     string                 `json:"createdDateTimeUtc,omitempty"`
	AssignedHub            string                 `json:"assignedHub,omitempty"`
	DeviceID               string                 `json:"deviceId,omitempty"`
	Status                 string                 `json:"status"`
	Substatus              string                 `json:"substatus,omitempty"`
	ErrorCode              int                    `json:"errorCode,omitempty"`
	ErrorMessage           string                 `json:"errorMessage,omitempty"`
	LastUpdatedDateTimeUTC string                 `json:"lastUpdatedDateTimeUtc,omitempty"`
	ETag                   string                 `json:"etag,omitempty"`
	TPM                    *TPMRegistrationResult `json:"tpm,omitempty"`
	Payload                json.RawMessage        `json:"payload,omitempty"`
}

// RegistrationOperationStatus is the reply to register and status requests.
type RegistrationOperationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

// Pending reports whether the operation needs another status poll.
func (s RegistrationOperationStatus) Pending() bool {
	switch strings.ToLower(s.Status) {
	case StatusAssigning, StatusUnassigned:
		return true
	}
	return false
}

// ParseStatus decodes a reply body.
func ParseStatus(body []byte) (RegistrationOperationStatus, error) {
	var s RegistrationOperationStatus
	if len(body) == 0 {
		return s, fmt.Errorf("empty registration status")
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return s, fmt.Errorf("decoding registration status: %w", err)
	}
	if s.Status == "" {
		return s, fmt.Errorf("registration status has no status field")
	}
	return s, nil
}

// Marshal encodes a register request.
func (r RegisterRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// RegistrationResult is what a completed registration yields.
type RegistrationResult struct {
	OperationID    string `json:"operationId"`
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	Substatus      string `json:"substatus,omitempty"`
	// AuthenticationKey is the encrypted identity key issued to TPM devices.
	AuthenticationKey string          `json:"authenticationKey,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// Result flattens an assigned status into a RegistrationResult.
func (s RegistrationOperationStatus) Result() RegistrationResult {
	r := RegistrationResult{OperationID: s.OperationID, Status: s.Status}
	if rs := s.RegistrationState; rs != nil {
		r.RegistrationID = rs.RegistrationID
		r.AssignedHub = rs.AssignedHub
		r.DeviceID = rs.DeviceID
		r.Substatus = rs.Substatus
		r.Payload = rs.Payload
		if rs.TPM != nil {
			r.AuthenticationKey = rs.TPM.AuthenticationKey
		}
	}
	return r
}
