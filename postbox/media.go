package postbox

import "fmt"

// Media identifiers are the content-addressed names Telegram uses for files
// in its media directory. Deriving one is a pure function of the decoded
// structure; the same input always yields the same identifier.

// defaultSizeLabel is used when a photo representation carries no size field.
const defaultSizeLabel = "x"

// Identifier renders a referenced media pair as a lookup name.
func (r ReferencedMediaID) Identifier() string {
	return fmt.Sprintf("telegram-cloud-document-%d-%d", r.Namespace, r.ID)
}

// MediaIdentifiers derives the lookup identifiers of an embedded media
// object. Photo media carry an "r" array of representations, each with a
// nested resource exposing datacenter ("d") and photo id ("i") plus an
// optional size label ("s"); file media carry a single "r" resource with
// datacenter and file id ("f"). Objects matching neither shape, including
// raw fallbacks, yield nothing. Not every attribute or media object refers
// to a locatable blob, so an empty result is not an error.
func MediaIdentifiers(obj Object) []string {
	generic, ok := obj.(*GenericObject)
	if !ok {
		return nil
	}

	var ids []string
	if reps, ok := generic.GetObjectArray("r"); ok {
		for _, rep := range reps {
			repObj, ok := rep.(*GenericObject)
			if !ok {
				continue
			}
			res, ok := repObj.GetObject("r")
			if !ok {
				continue
			}
			resource, ok := res.(*GenericObject)
			if !ok {
				continue
			}
			dc, hasDC := resource.GetInt64("d")
			photoID, hasID := resource.GetInt64("i")
			if !hasDC || !hasID {
				continue
			}
			size, ok := resource.GetString("s")
			if !ok || size == "" {
				size = defaultSizeLabel
			}
			ids = append(ids, fmt.Sprintf("telegram-cloud-photo-size-%d-%d-%s", dc, photoID, size))
		}
	}

	if res, ok := generic.GetObject("r"); ok {
		if resource, isGeneric := res.(*GenericObject); isGeneric {
			dc, hasDC := resource.GetInt64("d")
			fileID, hasID := resource.GetInt64("f")
			if hasDC && hasID {
				ids = append(ids, fmt.Sprintf("telegram-cloud-document-%d-%d", dc, fileID))
			}
		}
	}

	return ids
}

// MessageMediaIdentifiers collects every media identifier derivable from a
// decoded message: embedded objects first, then referenced pairs.
func MessageMediaIdentifiers(msg *Message) []string {
	var ids []string
	for _, media := range msg.EmbeddedMedia {
		ids = append(ids, MediaIdentifiers(media)...)
	}
	for _, ref := range msg.ReferencedMedia {
		ids = append(ids, ref.Identifier())
	}
	return ids
}
