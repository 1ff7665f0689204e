package mediaindex

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MessageMedia is the slice of an extracted message the indexer needs. The
// JSON field names match the extraction output, so an extracted messages
// file can be decoded straight into it.
type MessageMedia struct {
	ID                 int32    `json:"id"`
	Timestamp          int32    `json:"timestamp"`
	Direction          string   `json:"direction"`
	Text               string   `json:"text"`
	Tags               []string `json:"tags"`
	EmbeddedMediaIDs   []string `json:"embeddedMediaIds"`
	ReferencedMediaIDs []string `json:"referencedMediaIds"`
}

// FileInfo describes one resolved media file.
type FileInfo struct {
	MediaID   string  `json:"media_id"`
	Source    string  `json:"source"` // "embedded" or "referenced"
	Path      string  `json:"path"`
	Filename  string  `json:"filename"`
	Size      int64   `json:"size"`
	SizeMB    float64 `json:"size_mb"`
	Type      string  `json:"type"`
	Extension string  `json:"extension"`
}

// Entry is the media listing of one message.
type Entry struct {
	MessageID   int32      `json:"message_id"`
	Timestamp   int32      `json:"timestamp"`
	Direction   string     `json:"direction"`
	TextPreview string     `json:"text_preview"`
	Tags        []string   `json:"tags"`
	Files       []FileInfo `json:"media_files"`
}

// Stats summarizes an index build.
type Stats struct {
	MessagesWithMedia int   `json:"messages_with_media"`
	Found             int   `json:"found"`
	NotFound          int   `json:"not_found"`
	TotalSize         int64 `json:"total_size"`
}

// Index is the full message-to-media mapping of one extraction run.
type Index struct {
	RunID   string  `json:"run_id"`
	Root    string  `json:"media_root"`
	Entries []Entry `json:"entries"`
	Stats   Stats   `json:"stats"`
}

const previewLen = 100

// Build resolves each message's media identifiers against root. Messages
// without any resolvable media are omitted from the index but counted in the
// stats.
func Build(ctx context.Context, messages []MessageMedia, root string) *Index {
	index := &Index{
		RunID: uuid.NewString(),
		Root:  root,
	}

	for _, msg := range messages {
		entry := Entry{
			MessageID:   msg.ID,
			Timestamp:   msg.Timestamp,
			Direction:   msg.Direction,
			TextPreview: preview(msg.Text),
			Tags:        msg.Tags,
		}
		for _, id := range msg.EmbeddedMediaIDs {
			entry.Files = index.appendResolved(entry.Files, root, id, "embedded")
		}
		for _, id := range msg.ReferencedMediaIDs {
			entry.Files = index.appendResolved(entry.Files, root, id, "referenced")
		}
		if len(entry.Files) > 0 {
			index.Entries = append(index.Entries, entry)
			index.Stats.MessagesWithMedia++
		}
	}

	zerolog.Ctx(ctx).Info().
		Int("messages_with_media", index.Stats.MessagesWithMedia).
		Int("found", index.Stats.Found).
		Int("not_found", index.Stats.NotFound).
		Int64("total_size", index.Stats.TotalSize).
		Str("run_id", index.RunID).
		Msg("Media index built")
	return index
}

func (index *Index) appendResolved(files []FileInfo, root, mediaID, source string) []FileInfo {
	paths := Resolve(root, mediaID)
	if len(paths) == 0 {
		index.Stats.NotFound++
		return files
	}
	path := paths[0]
	stat, err := os.Stat(path)
	if err != nil {
		index.Stats.NotFound++
		return files
	}
	index.Stats.Found++
	index.Stats.TotalSize += stat.Size()
	return append(files, FileInfo{
		MediaID:   mediaID,
		Source:    source,
		Path:      path,
		Filename:  filepath.Base(path),
		Size:      stat.Size(),
		SizeMB:    float64(stat.Size()) / (1 << 20),
		Type:      MediaType(path),
		Extension: filepath.Ext(path),
	})
}

// preview truncates to previewLen characters, never mid-rune.
func preview(text string) string {
	runes := 0
	for i := range text {
		if runes == previewLen {
			return text[:i]
		}
		runes++
	}
	return text
}
