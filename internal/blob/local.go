package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"vestnik/internal/models"
)

// LocalStore implements Store on the local filesystem. Objects are
// content-addressed: <root>/<bucket>/<userID>[/<folder>]/<hash>.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Upload(ctx context.Context, r io.Reader, bucket, userID string, opts UploadOptions) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" || userID == "" {
		return nil, fmt.Errorf("bucket and userID are required")
	}

	// Sniffing needs the head of the stream; the hash needs all of it.
	// Buffer while hashing, then write once to the final path.
	var buf bytes.Buffer
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(&buf, h), r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if size == 0 {
		return nil, fmt.Errorf("upload is empty")
	}

	kind, mime := sniff(buf.Bytes())
	hash := hex.EncodeToString(h.Sum(nil))

	relParts := []string{userID}
	if opts.Folder != "" {
		relParts = append(relParts, opts.Folder)
	}
	relParts = append(relParts, hash)
	rel := filepath.Join(relParts...)
	path := filepath.Join(s.root, bucket, rel)

	// Idempotency: identical content already stored.
	if _, err := os.Stat(path); err == nil {
		return &UploadResult{URL: objectURL(bucket, rel), Path: rel, Kind: kind, MIME: mime, Size: size}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to finalize upload: %w", err)
	}

	return &UploadResult{URL: objectURL(bucket, rel), Path: rel, Kind: kind, MIME: mime, Size: size}, nil
}

func (s *LocalStore) Delete(ctx context.Context, bucket, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := filepath.Join(s.root, bucket, filepath.Clean("/"+path))
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, bucket, userID string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := filepath.Join(s.root, bucket, userID)
	var objects []ObjectInfo
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), "upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Join(s.root, bucket), path)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Path:      rel,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// sniff derives the message type from the object's magic bytes.
func sniff(data []byte) (models.MessageType, string) {
	t, err := filetype.Match(data)
	if err != nil || t == filetype.Unknown {
		return models.MessageTypeText, "application/octet-stream"
	}
	switch t.MIME.Type {
	case "image":
		return models.MessageTypeImage, t.MIME.Value
	case "video":
		return models.MessageTypeVideo, t.MIME.Value
	case "audio":
		return models.MessageTypeAudio, t.MIME.Value
	default:
		return models.MessageTypeText, t.MIME.Value
	}
}

func objectURL(bucket, rel string) string {
	return "blob://" + bucket + "/" + filepath.ToSlash(rel)
}
