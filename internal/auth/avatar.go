package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/kuitang/catatan/internal/errs"
	"github.com/kuitang/catatan/internal/obs"
)

// MaxAvatarBytes bounds uploaded avatar images.
const MaxAvatarBytes = 2 << 20

var (
	ErrInvalidAvatar            = errs.New(errs.InvalidArgument, "avatar must be one of the preset images")
	ErrAvatarTooLarge           = errs.New(errs.InvalidArgument, "avatar image must be at most 2 MiB")
	ErrUnsupportedImage         = errs.New(errs.InvalidArgument, "avatar must be a PNG, JPEG or WebP image")
	ErrAvatarStorageUnavailable = errs.New(errs.Unavailable, "avatar uploads are not configured")
)

// PresetAvatars are the built-in avatar images.
var PresetAvatars = []string{
	"/avatars/1.png",
	"/avatars/2.png",
	"/avatars/3.png",
	"/avatars/4.png",
	"/avatars/5.png",
}

// IsPresetAvatar reports whether url is a preset, or empty (no avatar).
func IsPresetAvatar(url string) bool {
	return url == "" || slices.Contains(PresetAvatars, url)
}

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// AvatarStore holds uploaded avatar images. *s3client.Client implements it.
type AvatarStore interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
	DeleteObject(ctx context.Context, key string) error
	PublicURL(key string) string
	KeyFromURL(u string) (string, bool)
}

// UploadAvatar stores an image and makes it the user's avatar. The format
// is sniffed from the bytes, not taken from the client.
func (s *UserService) UploadAvatar(ctx context.Context, userID string, image []byte) (*User, error) {
	if s.avatars == nil {
		return nil, ErrAvatarStorageUnavailable
	}
	if len(image) > MaxAvatarBytes {
		return nil, ErrAvatarTooLarge
	}
	contentType := http.DetectContentType(image)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return nil, ErrUnsupportedImage
	}

	u, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("avatars/%s/%s%s", userID, uuid.NewString(), ext)
	if err := s.avatars.PutObject(ctx, key, image, contentType); err != nil {
		return nil, err
	}

	previous := u.AvatarURL
	u.AvatarURL = s.avatars.PublicURL(key)
	if _, err := s.db.SQL().ExecContext(ctx, `UPDATE users SET avatar_url = ? WHERE id = ?`, u.AvatarURL, userID); err != nil {
		_ = s.avatars.DeleteObject(ctx, key)
		return nil, fmt.Errorf("save avatar url: %w", err)
	}
	s.dropUploadedAvatar(ctx, previous)
	return u, nil
}

// dropUploadedAvatar deletes a replaced upload. Presets and foreign URLs are
// left alone; failures only leak an object.
func (s *UserService) dropUploadedAvatar(ctx context.Context, url string) {
	if s.avatars == nil || url == "" {
		return
	}
	key, ok := s.avatars.KeyFromURL(url)
	if !ok {
		return
	}
	if err := s.avatars.DeleteObject(ctx, key); err != nil {
		obs.From(ctx).Warn("auth.avatar_delete_failed", "key", key, "error", err)
	}
}
