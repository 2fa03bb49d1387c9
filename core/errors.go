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


package core

import "errors"

// Domain validation errors
var (
	// ErrInvalidKeyword indicates a Keyword failed validation.
	ErrInvalidKeyword = errors.New("invalid keyword")

	// ErrInvalidLocation indicates a Location failed validation.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidIndexedValue indicates an IndexedValue has an unknown kind.
	ErrInvalidIndexedValue = errors.New("invalid indexed value")

	// ErrEmptyValue indicates a keyword or location holds no bytes.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrNotAnInteger indicates a value is not an 8-byte integer projection.
	ErrNotAnInteger = errors.New("value is not an integer")

	// ErrInvalidKeyLength indicates key material of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidTokenLength indicates a table token of the wrong size.
	ErrInvalidTokenLength = errors.New("invalid token length")
)
