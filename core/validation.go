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

import "fmt"

// ValidateKeyword validates a Keyword according to domain rules.
//
// Validation rules:
//   - must not be empty
func ValidateKeyword(k Keyword) error {
	if len(k) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidKeyword, ErrEmptyValue)
	}
	return nil
}

// ValidateLocation validates a Location according to domain rules.
//
// Validation rules:
//   - must not be empty
func ValidateLocation(l Location) error {
	if len(l) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidLocation, ErrEmptyValue)
	}
	return nil
}

// ValidateIndexedValue checks the variant tag and validates the payload
// against the rules of its variant.
func ValidateIndexedValue(v IndexedValue) error {
	switch v.kind {
	case KindLocation:
		return ValidateLocation(Location(v.data))
	case KindKeyword:
		return ValidateKeyword(Keyword(v.data))
	default:
		return fmt.Errorf("%w: %s", ErrInvalidIndexedValue, v.kind)
	}
}
