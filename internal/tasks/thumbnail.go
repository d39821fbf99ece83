package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"civicphoto/internal/media/sniffer"
	"civicphoto/internal/repository"
	"civicphoto/internal/storage"
)

// Thumbnail renders the variant for one photo. Deleted photos and photos that
// already have a thumbnail are skipped, so redelivered tasks are harmless.
func (p *Processor) Thumbnail(ctx context.Context, photoID string) error {
	photo, err := p.deps.Photos.GetByID(ctx, photoID)
	if err != nil {
		if errors.Is(err, repository.ErrPhotoNotFound) {
			p.logger.Warn().Str("photo_id", photoID).Msg("thumbnail for missing photo")
			return nil
		}
		return fmt.Errorf("load photo: %w", err)
	}
	if photo.IsDeleted() || photo.ThumbnailURL != nil {
		return nil
	}

	profile, ok := p.opts.Profiles.Lookup(photo.Intent)
	if !ok || profile.ThumbnailEdge <= 0 {
		return nil
	}

	data, err := p.deps.Blobs.Download(ctx, photo.ObjectKey, p.opts.MaxDownloadBytes)
	if err != nil {
		return fmt.Errorf("download photo: %w", err)
	}

	thumb, err := RenderThumbnail(data, profile.ThumbnailEdge, p.opts.Quality)
	if err != nil {
		return fmt.Errorf("render thumbnail %s: %w", photo.ID, err)
	}

	url, err := p.deps.Blobs.UploadVariant(ctx, thumb, sniffer.MIMEWEBP, storage.ThumbnailKey(photo.ObjectKey))
	if err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}
	if err := p.deps.Photos.SetThumbnail(ctx, photo.ID, url); err != nil {
		return fmt.Errorf("set thumbnail: %w", err)
	}

	p.logger.Info().Str("photo_id", photo.ID).Int("edge", profile.ThumbnailEdge).Msg("thumbnail stored")
	return nil
}

// RenderThumbnail scales the first frame into an edge x edge box and encodes
// it as WebP. Images already inside the box keep their size.
func RenderThumbnail(data []byte, edge, quality int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	w, h := fitBox(src.Bounds().Dx(), src.Bounds().Dy(), edge)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, dst, webp.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func fitBox(w, h, edge int) (int, int) {
	if w <= edge && h <= edge {
		return w, h
	}
	if w >= h {
		return edge, max(1, h*edge/w)
	}
	return max(1, w*edge/h), edge
}
