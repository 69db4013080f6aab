// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flusher

import (
	"encoding/json"
	"time"

	"gleaner/internal/client"
	"gleaner/internal/sink"
)

// Error-code strings recognized in log-service error bodies.
const (
	ErrCodeRequestError          = "RequestError"
	ErrCodeRequestTimeout        = "RequestTimeout"
	ErrCodeInternalServerError   = "InternalServerError"
	ErrCodeServerBusy            = "ServerBusy"
	ErrCodeWriteQuotaExceed      = "WriteQuotaExceed"
	ErrCodeShardWriteQuotaExceed = "ShardWriteQuotaExceed"
	ErrCodeExceedQuota           = "ExceedQuota"
	ErrCodeUnauthorized          = "Unauthorized"
	ErrCodeInvalidAccessKeyID    = "InvalidAccessKeyId"
	ErrCodeSignatureNotMatch     = "SignatureNotMatch"
	ErrCodeParameterInvalid      = "ParameterInvalid"
	ErrCodePostBodyInvalid       = "PostBodyInvalid"
	ErrCodeInvalidSequenceID     = "InvalidSequenceId"
	ErrCodeRequestTimeExpired    = "RequestTimeExpired"
)

// SendResult classifies a failed exchange for the retry policy.
type SendResult int

const (
	SendResultNetworkError SendResult = iota
	SendResultServerError
	SendResultQuotaExceed
	SendResultUnauthorized
	SendResultParameterInvalid
	SendResultInvalidSequenceID
	SendResultTimeExpired
	SendResultUnknownError
)

// ConvertErrorCode maps an error-code string to its send-result class.
func ConvertErrorCode(code string) SendResult {
	switch code {
	case ErrCodeRequestError, ErrCodeRequestTimeout:
		return SendResultNetworkError
	case ErrCodeInternalServerError, ErrCodeServerBusy:
		return SendResultServerError
	case ErrCodeWriteQuotaExceed, ErrCodeShardWriteQuotaExceed, ErrCodeExceedQuota:
		return SendResultQuotaExceed
	case ErrCodeUnauthorized, ErrCodeInvalidAccessKeyID:
		return SendResultUnauthorized
	case ErrCodeParameterInvalid, ErrCodePostBodyInvalid:
		return SendResultParameterInvalid
	case ErrCodeInvalidSequenceID:
		return SendResultInvalidSequenceID
	case ErrCodeRequestTimeExpired:
		return SendResultTimeExpired
	default:
		return SendResultUnknownError
	}
}

// ServiceResponse is the parsed completion of a log-service exchange.
type ServiceResponse struct {
	StatusCode int
	RequestID  string
	ErrorCode  string
	ErrorMsg   string
	ServerTime int64 // unix seconds from the Date header, 0 when absent
}

type errorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ParseServiceResponse lifts a raw sink response into the typed form the
// retry policy consumes. A transport error (no HTTP status) classifies as a
// network-error RequestError.
func ParseServiceResponse(resp *sink.Response) ServiceResponse {
	if resp.Err != nil || resp.StatusCode == 0 {
		out := ServiceResponse{ErrorCode: ErrCodeRequestError}
		if resp.Err != nil {
			out.ErrorMsg = resp.Err.Error()
		}
		return out
	}
	out := ServiceResponse{StatusCode: resp.StatusCode}
	if resp.Header != nil {
		out.RequestID = resp.Header.Get(client.HeaderRequestID)
		if date := resp.Header.Get("Date"); date != "" {
			if t, err := time.Parse(time.RFC1123, date); err == nil {
				out.ServerTime = t.Unix()
			}
		}
	}
	if resp.StatusCode == 200 {
		return out
	}
	var body errorBody
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.ErrorCode == "" {
		if resp.StatusCode >= 500 {
			out.ErrorCode = ErrCodeInternalServerError
		} else {
			out.ErrorCode = ErrCodeRequestError
			out.ErrorMsg = "unextractable error: " + string(resp.Body)
		}
		return out
	}
	out.ErrorCode = body.ErrorCode
	out.ErrorMsg = body.ErrorMessage
	return out
}
