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


package index

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/findex/codec"
	"github.com/poiesic/findex/core"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	purposeEntryToken = "findex/entry-token"
	purposeChainToken = "findex/chain-token"
	purposeEntrySeal  = "findex/entry-seal"
	purposeChainSeal  = "findex/chain-seal"
	purposeEpochID    = "findex/epoch-id"

	// linkNonceSize is the random part of a chain token preimage.
	linkNonceSize = 16
	epochIDSize   = 16
)

// keywordHash is the one-way image of a keyword stored inside entry records.
// Entry and chain tokens of every epoch are derived from it.
type keywordHash [32]byte

func hashKeyword(kw core.Keyword) keywordHash {
	return keywordHash(blake2b.Sum256([]byte(kw)))
}

// epoch holds the sub-keys of one (key, label) generation.
type epoch struct {
	id            string
	entryTokenKey []byte
	chainTokenKey []byte
	entrySeal     cipher.AEAD
	chainSeal     cipher.AEAD
}

func newEpoch(key core.Key, label core.Label) (*epoch, error) {
	entrySealKey, err := deriveSubKey(key, purposeEntrySeal, label)
	if err != nil {
		return nil, err
	}
	chainSealKey, err := deriveSubKey(key, purposeChainSeal, label)
	if err != nil {
		return nil, err
	}
	entrySeal, err := chacha20poly1305.NewX(entrySealKey)
	if err != nil {
		return nil, err
	}
	chainSeal, err := chacha20poly1305.NewX(chainSealKey)
	if err != nil {
		return nil, err
	}
	entryTokenKey, err := deriveSubKey(key, purposeEntryToken, label)
	if err != nil {
		return nil, err
	}
	chainTokenKey, err := deriveSubKey(key, purposeChainToken, label)
	if err != nil {
		return nil, err
	}
	idKey, err := deriveSubKey(key, purposeEpochID, label)
	if err != nil {
		return nil, err
	}
	return &epoch{
		id:            hex.EncodeToString(idKey[:epochIDSize]),
		entryTokenKey: entryTokenKey,
		chainTokenKey: chainTokenKey,
		entrySeal:     entrySeal,
		chainSeal:     chainSeal,
	}, nil
}

// deriveSubKey computes BLAKE2b-256 keyed by the master key over the purpose
// and the length-prefixed label.
func deriveSubKey(key core.Key, purpose string, label core.Label) ([]byte, error) {
	h, err := blake2b.New256(key[:])
	if err != nil {
		return nil, err
	}
	w := codec.NewWriter(len(purpose) + len(label) + 4)
	w.String(purpose)
	w.Bytes(label)
	h.Write(w.Result())
	return h.Sum(nil), nil
}

func mac(key []byte, parts ...[]byte) core.Token {
	h, _ := blake2b.New256(key) // key is always 32 bytes
	for _, p := range parts {
		h.Write(p)
	}
	var t core.Token
	copy(t[:], h.Sum(nil))
	return t
}

// entryToken is the entry table key of a keyword in this epoch.
func (e *epoch) entryToken(kh keywordHash) core.Token {
	return mac(e.entryTokenKey, kh[:])
}

// newChainToken mints a fresh chain token for a keyword.
func (e *epoch) newChainToken(kh keywordHash) (core.Token, error) {
	var nonce [linkNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return core.Token{}, err
	}
	return mac(e.chainTokenKey, kh[:], nonce[:]), nil
}

// seal encrypts plaintext bound to the token it is stored under.
// Output is nonce || ciphertext.
func seal(aead cipher.AEAD, tok core.Token, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, tok[:]), nil
}

func open(aead cipher.AEAD, tok core.Token, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, tok[:])
}
