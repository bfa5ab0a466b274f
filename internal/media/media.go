// Package media 负责存储和删除上传的图片。
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"instaup/internal/models"
)

// Store 存取二进制对象，删除不存在的 key 视为成功。
type Store interface {
	Put(ctx context.Context, data []byte, folder, contentType string) (models.Media, error)
	Delete(ctx context.Context, key string) error
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// NewKey 返回 folder/yyyy/mm/dd/<uuid><ext>。
func NewKey(folder, contentType string, now time.Time) string {
	return fmt.Sprintf("%s/%d/%02d/%02d/%s%s", folder, now.Year(), now.Month(), now.Day(), uuid.New(), extensions[contentType])
}

// DeleteAll 删除所有 key 并返回第一个错误，单个失败不影响其余 key。
func DeleteAll(ctx context.Context, s Store, items []models.Media) error {
	var first error
	for _, m := range items {
		if m.Key == "" {
			continue
		}
		if err := s.Delete(ctx, m.Key); err != nil && first == nil {
			first = fmt.Errorf("delete media %s: %w", m.Key, err)
		}
	}
	return first
}
