// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/telegram-rescue/tgrescue/tempkey"
)

// Decrypt exports a plaintext copy of an encrypted datastore by driving the
// external sqlcipher binary with the recovered key material. The decryption
// engine itself stays external; this only builds and runs the PRAGMA script.
func Decrypt(ctx context.Context, encryptedPath string, key *tempkey.KeyMaterial, outputPath string) error {
	if _, err := exec.LookPath("sqlcipher"); err != nil {
		return fmt.Errorf("sqlcipher binary not found in PATH: %w", err)
	}
	if _, err := os.Stat(encryptedPath); err != nil {
		return fmt.Errorf("encrypted datastore not accessible: %w", err)
	}

	// The macOS client leaves the first 32 bytes of the file unencrypted.
	script := strings.Join([]string{
		"PRAGMA cipher_plaintext_header_size=32;",
		"PRAGMA cipher_default_plaintext_header_size=32;",
		fmt.Sprintf("PRAGMA key=\"%s\";", key.PragmaKey()),
		fmt.Sprintf("ATTACH DATABASE '%s' AS plaintext KEY '';", outputPath),
		"SELECT sqlcipher_export('plaintext');",
		"DETACH DATABASE plaintext;",
	}, "\n")

	log := zerolog.Ctx(ctx)
	log.Info().Str("path", encryptedPath).Msg("Exporting plaintext copy of datastore")

	cmd := exec.CommandContext(ctx, "sqlcipher", encryptedPath)
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sqlcipher export failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("sqlcipher produced no plaintext output: %w", err)
	}
	log.Info().Str("path", outputPath).Int64("bytes", info.Size()).Msg("Plaintext datastore written")
	return nil
}
