// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tempkey recovers the datastore's SQLCipher key material from the
// encrypted .tempkeyEncrypted container next to the database. The container
// is AES-256-CBC encrypted with a key and IV derived from a fixed,
// application-embedded passphrase; the plaintext holds the database key, the
// salt and a murmur checksum over both.
package tempkey

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/telegram-rescue/tgrescue/postbox"
	"github.com/telegram-rescue/tgrescue/util/cbcutil"
)

// DefaultPassphrase is the passphrase the Telegram macOS client encrypts the
// key container with.
const DefaultPassphrase = "no-matter-key"

// ErrKeyVerificationFailed means the recovered key and salt do not match the
// stored checksum: wrong passphrase or corrupted container. Nothing
// downstream may use unverified key material, so this is fatal to the
// recovery session.
var ErrKeyVerificationFailed = errors.New("key material checksum mismatch")

// Container layout after decryption.
const (
	keySize       = 32
	saltSize      = 16
	checksumSize  = 4
	paddingSize   = 12
	containerSize = keySize + saltSize + checksumSize + paddingSize
)

// KeyMaterial is a verified (database key, salt) pair. It is produced once
// per recovery session and handed to the external decryption engine; this
// package never persists it.
type KeyMaterial struct {
	Key  [keySize]byte
	Salt [saltSize]byte
}

// Hex renders key followed by salt as lowercase hex, the form SQLCipher's
// raw-key PRAGMA expects.
func (k *KeyMaterial) Hex() string {
	return hex.EncodeToString(k.Key[:]) + hex.EncodeToString(k.Salt[:])
}

// PragmaKey renders the full SQLCipher key parameter, x'<hex>'.
func (k *KeyMaterial) PragmaKey() string {
	return fmt.Sprintf("x'%s'", k.Hex())
}

// Checksum computes the container's murmur checksum over key followed by
// salt, the value stored in the third container field.
func Checksum(k *KeyMaterial) int32 {
	joined := make([]byte, 0, keySize+saltSize)
	joined = append(joined, k.Key[:]...)
	joined = append(joined, k.Salt[:]...)
	return postbox.HashBytes(joined)
}

// deriveKeyIV derives the container cipher key and IV: first 32 bytes of
// SHA-512(passphrase) are the key, last 16 the IV.
func deriveKeyIV(passphrase string) (key, iv []byte) {
	digest := sha512.Sum512([]byte(passphrase))
	return digest[:32], digest[len(digest)-16:]
}

// Recover decrypts and verifies a key container. Non-zero trailing padding
// has been observed in otherwise valid containers and only logs a warning;
// a checksum mismatch returns ErrKeyVerificationFailed.
func Recover(ctx context.Context, container []byte, passphrase string) (*KeyMaterial, error) {
	if len(container) < containerSize {
		return nil, fmt.Errorf("key container is %d bytes, need at least %d", len(container), containerSize)
	}

	key, iv := deriveKeyIV(passphrase)
	plaintext, err := cbcutil.Decrypt(key, iv, container[:containerSize])
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key container: %w", err)
	}

	var material KeyMaterial
	copy(material.Key[:], plaintext[:keySize])
	copy(material.Salt[:], plaintext[keySize:keySize+saltSize])
	storedChecksum := int32(binary.LittleEndian.Uint32(plaintext[keySize+saltSize:]))
	padding := plaintext[keySize+saltSize+checksumSize:]

	checksum := Checksum(&material)
	if checksum != storedChecksum {
		return nil, fmt.Errorf("%w: stored %d, computed %d", ErrKeyVerificationFailed, storedChecksum, checksum)
	}

	for _, b := range padding {
		if b != 0 {
			zerolog.Ctx(ctx).Warn().
				Hex("padding", padding).
				Msg("Key container padding is not all zeros")
			break
		}
	}
	return &material, nil
}
