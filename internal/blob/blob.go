package blob

import (
	"context"
	"io"
	"time"

	"vestnik/internal/models"
)

// UploadOptions narrows where an object lands inside a bucket.
type UploadOptions struct {
	Folder string
}

// UploadResult describes a stored object.
type UploadResult struct {
	URL  string
	Path string
	// Kind is the message type derived from the sniffed media type.
	Kind models.MessageType
	MIME string
	Size int64
}

// ObjectInfo is a listing entry.
type ObjectInfo struct {
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Store is the opaque blob collaborator for media messages. Upload is
// content-addressed and idempotent: re-uploading identical bytes returns the
// same object.
type Store interface {
	Upload(ctx context.Context, r io.Reader, bucket, userID string, opts UploadOptions) (*UploadResult, error)
	Delete(ctx context.Context, bucket, path string) error
	List(ctx context.Context, bucket, userID string) ([]ObjectInfo, error)
}

// Placeholder returns the display stand-in used as message content for media
// of the given kind.
func Placeholder(kind models.MessageType) string {
	switch kind {
	case models.MessageTypeImage:
		return "📷 Photo"
	case models.MessageTypeVideo:
		return "🎥 Video"
	case models.MessageTypeAudio:
		return "🎤 Voice message"
	default:
		return "📎 Attachment"
	}
}
