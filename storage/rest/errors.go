// Copyright 2025 Poiesic Systems
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


package rest

import "errors"

var (
	// ErrTokenRequired indicates New was called without an authorization token.
	ErrTokenRequired = errors.New("authorization token required")

	// ErrBadSignature indicates a request body whose signature does not verify.
	ErrBadSignature = errors.New("bad request signature")

	// ErrRequestExpired indicates a request outside its validity window.
	ErrRequestExpired = errors.New("request expired")

	// ErrMalformedRequest indicates a request body too short to be signed.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUnauthorized indicates the server rejected the request signature.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the server token lacks the key for an operation.
	ErrForbidden = errors.New("forbidden")

	// ErrUnexpectedStatus indicates any other non-success response.
	ErrUnexpectedStatus = errors.New("unexpected response status")
)
