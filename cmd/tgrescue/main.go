// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// tgrescue recovers conversations from a local Telegram macOS backup:
// recovers the SQLCipher key from the encrypted key container, exports a
// plaintext copy of the datastore, decodes message and peer records, and
// maps media references to files on disk.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/term"

	"github.com/telegram-rescue/tgrescue/mediaindex"
	"github.com/telegram-rescue/tgrescue/postbox"
	"github.com/telegram-rescue/tgrescue/store"
	"github.com/telegram-rescue/tgrescue/tempkey"
)

const usage = `Usage: tgrescue <command> [flags]

Commands:
  key      recover the datastore key from a .tempkeyEncrypted container
  decrypt  recover the key and export a plaintext copy of the datastore
  list     list peers in a plaintext datastore
  extract  extract one peer's messages from a plaintext datastore to JSON
  index    build a media index from extracted messages and a media directory
  full     decrypt + extract + index in one run
`

func main() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	log := zerolog.New(writer).With().Timestamp().Logger()
	exzerolog.SetupDefaults(&log)
	ctx := log.WithContext(context.Background())

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "key":
		err = cmdKey(ctx, os.Args[2:], false)
	case "decrypt":
		err = cmdKey(ctx, os.Args[2:], true)
	case "list":
		err = cmdList(ctx, os.Args[2:])
	case "extract":
		err = cmdExtract(ctx, os.Args[2:])
	case "index":
		err = cmdIndex(ctx, os.Args[2:])
	case "full":
		err = cmdFull(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		log.Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func recoverKey(ctx context.Context, keyFile, passphrase string) (*tempkey.KeyMaterial, error) {
	if passphrase == "-" {
		fmt.Fprint(os.Stderr, "Passphrase: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		passphrase = string(raw)
	}
	container, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key container: %w", err)
	}
	material, err := tempkey.Recover(ctx, container, passphrase)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Msg("Key material recovered and verified")
	return material, nil
}

func cmdKey(ctx context.Context, args []string, decrypt bool) error {
	flags := pflag.NewFlagSet("key", pflag.ExitOnError)
	keyFile := flags.String("key-file", ".tempkeyEncrypted", "path to the encrypted key container")
	passphrase := flags.String("passphrase", tempkey.DefaultPassphrase, "container passphrase ('-' to prompt)")
	database := flags.String("database", "", "path to the encrypted db_sqlite (decrypt only)")
	output := flags.String("output", "plaintext.db", "path for the plaintext copy (decrypt only)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	material, err := recoverKey(ctx, *keyFile, *passphrase)
	if err != nil {
		return err
	}
	if !decrypt {
		fmt.Printf("PRAGMA key=\"%s\";\n", material.PragmaKey())
		return nil
	}
	if *database == "" {
		return fmt.Errorf("--database is required")
	}
	return store.Decrypt(ctx, *database, material, *output)
}

func cmdList(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	database := flags.String("database", "plaintext.db", "path to the plaintext datastore")
	if err := flags.Parse(args); err != nil {
		return err
	}

	db, err := store.Open(*database, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("%-20s %-20s %-20s %-20s\n", "ID", "First Name", "Last Name", "Username")
	count := 0
	err = db.ScanPeers(ctx, func(peer *postbox.Peer) error {
		if peer.FirstName == "" && peer.LastName == "" && peer.Username == "" {
			return nil
		}
		fmt.Printf("%-20d %-20s %-20s %-20s\n", peer.ID, peer.FirstName, peer.LastName, peer.Username)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("\nTotal peers found: %d\n", count)
	return nil
}

type extractArgs struct {
	database string
	peerID   int64
	name     string
	output   string
}

// extractedMessage is one row of the extraction output: flat convenience
// fields (the media identifiers among them feed the index step) plus the
// full decoded record.
type extractedMessage struct {
	ID                 int32            `json:"id"`
	Namespace          int32            `json:"namespace"`
	Timestamp          int32            `json:"timestamp"`
	Datetime           string           `json:"datetime"`
	Direction          string           `json:"direction"`
	Author             *postbox.Peer    `json:"author,omitempty"`
	Text               string           `json:"text"`
	Flags              []string         `json:"flags"`
	Tags               []string         `json:"tags"`
	EmbeddedMediaIDs   []string         `json:"embeddedMediaIds"`
	ReferencedMediaIDs []string         `json:"referencedMediaIds"`
	Message            *postbox.Message `json:"message"`
}

func newExtractedMessage(idx postbox.MessageIndex, msg *postbox.Message, author *postbox.Peer) extractedMessage {
	direction := "sent"
	if msg.Incoming() {
		direction = "received"
	}
	var embedded []string
	for _, media := range msg.EmbeddedMedia {
		embedded = append(embedded, postbox.MediaIdentifiers(media)...)
	}
	var referenced []string
	for _, ref := range msg.ReferencedMedia {
		referenced = append(referenced, ref.Identifier())
	}
	return extractedMessage{
		ID:                 idx.ID,
		Namespace:          idx.Namespace,
		Timestamp:          idx.Timestamp,
		Datetime:           time.Unix(int64(idx.Timestamp), 0).Format(time.RFC3339),
		Direction:          direction,
		Author:             author,
		Text:               msg.Text,
		Flags:              msg.Flags.Names(),
		Tags:               msg.Tags.Names(),
		EmbeddedMediaIDs:   embedded,
		ReferencedMediaIDs: referenced,
		Message:            msg,
	}
}

func (m extractedMessage) media() mediaindex.MessageMedia {
	return mediaindex.MessageMedia{
		ID:                 m.ID,
		Timestamp:          m.Timestamp,
		Direction:          m.Direction,
		Text:               m.Text,
		Tags:               m.Tags,
		EmbeddedMediaIDs:   m.EmbeddedMediaIDs,
		ReferencedMediaIDs: m.ReferencedMediaIDs,
	}
}

func cmdExtract(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("extract", pflag.ExitOnError)
	database := flags.String("database", "plaintext.db", "path to the plaintext datastore")
	peerID := flags.Int64("peer-id", 0, "peer id to extract")
	name := flags.String("name", "", "peer name or username to search for")
	output := flags.String("output", "./output", "output directory")
	if err := flags.Parse(args); err != nil {
		return err
	}
	_, err := extract(ctx, extractArgs{*database, *peerID, *name, *output})
	return err
}

func extract(ctx context.Context, args extractArgs) ([]extractedMessage, error) {
	log := zerolog.Ctx(ctx)
	db, err := store.Open(args.database, nil)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	peerID := args.peerID
	if peerID == 0 {
		if args.name == "" {
			return nil, fmt.Errorf("either --peer-id or --name is required")
		}
		peerID, err = findPeer(ctx, db, args.name)
		if err != nil {
			return nil, err
		}
	}
	log.Info().Int64("peer_id", peerID).Msg("Extracting messages")

	peers := store.NewPeerCache(db)
	var messages []extractedMessage
	stats, err := db.ScanMessages(ctx, func(idx postbox.MessageIndex, msg *postbox.Message) error {
		if idx.PeerID != peerID {
			return nil
		}
		author, err := peers.Enrich(ctx, msg)
		if err != nil {
			return err
		}
		messages = append(messages, newExtractedMessage(idx, msg, author))
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("scanned", stats.Scanned).
		Int("decoded", stats.Decoded).
		Int("fallback", stats.Fallback).
		Int("unsupported", stats.Unsupported).
		Int("malformed_keys", stats.MalformedKeys).
		Int("extracted", len(messages)).
		Msg("Message scan finished")

	if err = os.MkdirAll(args.output, 0o755); err != nil {
		return nil, err
	}
	outFile := filepath.Join(args.output, fmt.Sprintf("messages-%s.json", strconv.FormatInt(peerID, 10)))
	if err = writeJSON(outFile, messages); err != nil {
		return nil, err
	}
	log.Info().Str("path", outFile).Msg("Messages written")
	return messages, nil
}

// findPeer resolves a name or username query to a single peer id.
func findPeer(ctx context.Context, db *store.DB, query string) (int64, error) {
	var matches []*postbox.Peer
	err := db.ScanPeers(ctx, func(peer *postbox.Peer) error {
		if peer.Matches(query) {
			matches = append(matches, peer)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("no peer matches %q", query)
	case 1:
		return matches[0].ID, nil
	default:
		for _, p := range matches {
			fmt.Fprintf(os.Stderr, "  %d  %s\n", p.ID, p.DisplayName())
		}
		return 0, fmt.Errorf("%d peers match %q, use --peer-id", len(matches), query)
	}
}

func cmdIndex(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("index", pflag.ExitOnError)
	messagesFile := flags.String("messages", "", "path to an extracted messages JSON file")
	mediaDir := flags.String("media-dir", "", "path to the backup's media directory")
	output := flags.String("output", "media_index.json", "output path for the index")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *messagesFile == "" || *mediaDir == "" {
		return fmt.Errorf("--messages and --media-dir are required")
	}

	raw, err := os.ReadFile(*messagesFile)
	if err != nil {
		return err
	}
	var messages []mediaindex.MessageMedia
	if err = json.Unmarshal(raw, &messages); err != nil {
		return fmt.Errorf("failed to parse extracted messages: %w", err)
	}
	index := mediaindex.Build(ctx, messages, *mediaDir)
	return writeJSON(*output, index)
}

func cmdFull(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("full", pflag.ExitOnError)
	backup := flags.String("backup", "", "path to the backup directory")
	peerID := flags.Int64("peer-id", 0, "peer id to extract")
	name := flags.String("name", "", "peer name or username to search for")
	output := flags.String("output", "./output", "output directory")
	passphrase := flags.String("passphrase", tempkey.DefaultPassphrase, "container passphrase ('-' to prompt)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *backup == "" {
		return fmt.Errorf("--backup is required")
	}

	dbPath := filepath.Join(*backup, "db", "db_sqlite")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("could not find db_sqlite under %s: %w", *backup, err)
	}
	keyFile := filepath.Join(filepath.Dir(dbPath), ".tempkeyEncrypted")

	material, err := recoverKey(ctx, keyFile, *passphrase)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(*output, 0o755); err != nil {
		return err
	}
	plainPath := filepath.Join(*output, "plaintext.db")
	if err = store.Decrypt(ctx, dbPath, material, plainPath); err != nil {
		return err
	}

	messages, err := extract(ctx, extractArgs{plainPath, *peerID, *name, *output})
	if err != nil {
		return err
	}

	mediaDir := filepath.Join(*backup, "postbox", "media")
	if _, err = os.Stat(mediaDir); err != nil {
		zerolog.Ctx(ctx).Warn().Str("path", mediaDir).Msg("Media directory not found, skipping index")
		return nil
	}
	media := make([]mediaindex.MessageMedia, len(messages))
	for i, msg := range messages {
		media[i] = msg.media()
	}
	index := mediaindex.Build(ctx, media, mediaDir)
	return writeJSON(filepath.Join(*output, "media_index.json"), index)
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err = enc.Encode(v); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
