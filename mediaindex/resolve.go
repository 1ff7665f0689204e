// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mediaindex maps canonical media identifiers to files under a media
// root and builds a message-to-file index from extracted records.
package mediaindex

import (
	"os"
	"path/filepath"
	"strings"
)

// cacheDirs are the media-root subdirectories the client stashes blobs in.
var cacheDirs = []string{"cache", "cache-storage"}

// Resolve finds candidate files for a media identifier under root: exact
// match first, then identifier-prefixed names (files may carry extensions or
// size suffixes), then the cache subdirectories, then one level of arbitrary
// subdirectories. Returns nil when nothing matches.
func Resolve(root, mediaID string) []string {
	if mediaID == "" {
		return nil
	}

	exact := filepath.Join(root, mediaID)
	if _, err := os.Stat(exact); err == nil {
		return []string{exact}
	}

	if matches, _ := filepath.Glob(filepath.Join(root, mediaID+"*")); len(matches) > 0 {
		return matches
	}

	for _, dir := range cacheDirs {
		cached := filepath.Join(root, dir, mediaID)
		if _, err := os.Stat(cached); err == nil {
			return []string{cached}
		}
		if matches, _ := filepath.Glob(filepath.Join(root, dir, mediaID+"*")); len(matches) > 0 {
			return matches
		}
	}

	subdirs, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	for _, entry := range subdirs {
		if !entry.IsDir() {
			continue
		}
		matches, _ := filepath.Glob(filepath.Join(root, entry.Name(), mediaID+"*"))
		if len(matches) > 0 {
			return matches
		}
	}
	return nil
}

// MediaType classifies a file by extension, falling back to naming
// conventions of the identifier scheme.
func MediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".mov", ".avi", ".mkv":
		return "video"
	case ".mp3", ".m4a", ".ogg", ".wav":
		return "audio"
	case ".pdf", ".doc", ".docx", ".txt":
		return "document"
	}
	name := filepath.Base(path)
	switch {
	case strings.Contains(name, "photo"):
		return "image"
	case strings.Contains(name, "document"):
		return "file"
	default:
		return "unknown"
	}
}
