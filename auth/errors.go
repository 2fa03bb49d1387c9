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


package auth

import "errors"

var (
	// ErrInvalidPermission indicates a reduction asking for no capability.
	ErrInvalidPermission = errors.New("invalid permission: a token needs search or index rights")

	// ErrMissingKeyMaterial indicates an operation needs a key component the
	// token does not carry.
	ErrMissingKeyMaterial = errors.New("missing key material")

	// ErrMalformedToken indicates a token string could not be decoded.
	ErrMalformedToken = errors.New("malformed token")

	// ErrInvalidSeed indicates seed material of unusable length.
	ErrInvalidSeed = errors.New("invalid seed")

	// ErrInvalidIndexID indicates an empty or oversized index identifier.
	ErrInvalidIndexID = errors.New("invalid index id")
)
