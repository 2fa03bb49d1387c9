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

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/findex/codec"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

const (
	signatureSize = blake2b.Size256
	expirySize    = 8
	headerSize    = signatureSize + expirySize

	// MaxValidity is the longest time a signed request is accepted for.
	MaxValidity = 60 * time.Second
)

// SignRequest frames payload as signature || expiry || payload. The
// signature is BLAKE2b-256 keyed by the component authorizing op, over the
// index id, op, expiry and payload.
func SignRequest(key core.Key, indexID string, op storage.Op, expiry time.Time, payload []byte) []byte {
	var exp [expirySize]byte
	binary.BigEndian.PutUint64(exp[:], uint64(expiry.Unix()))

	body := make([]byte, headerSize, headerSize+len(payload))
	sig := signature(key, indexID, op, exp[:], payload)
	copy(body, sig)
	copy(body[signatureSize:], exp[:])
	return append(body, payload...)
}

// VerifyRequest checks the signature and expiry of body and returns its
// payload. Requests expiring more than MaxValidity after now are rejected.
func VerifyRequest(key core.Key, indexID string, op storage.Op, body []byte, now time.Time) ([]byte, error) {
	if len(body) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedRequest, len(body))
	}
	sig, exp, payload := body[:signatureSize], body[signatureSize:headerSize], body[headerSize:]

	if subtle.ConstantTimeCompare(sig, signature(key, indexID, op, exp, payload)) != 1 {
		return nil, ErrBadSignature
	}

	expiry := time.Unix(int64(binary.BigEndian.Uint64(exp)), 0)
	if now.After(expiry) {
		return nil, fmt.Errorf("%w: at %s", ErrRequestExpired, expiry.UTC().Format(time.RFC3339))
	}
	if expiry.Sub(now) > MaxValidity {
		return nil, fmt.Errorf("%w: expiry %s is too far ahead", ErrRequestExpired, expiry.UTC().Format(time.RFC3339))
	}
	return payload, nil
}

func signature(key core.Key, indexID string, op storage.Op, expiry, payload []byte) []byte {
	h, _ := blake2b.New256(key[:]) // key is always 32 bytes
	w := codec.NewWriter(len(indexID) + len(op) + 4)
	w.String(indexID)
	w.String(string(op))
	h.Write(w.Result())
	h.Write(expiry)
	h.Write(payload)
	return h.Sum(nil)
}
