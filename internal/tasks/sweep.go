package tasks

import (
	"context"
	"errors"
	"fmt"

	"civicphoto/internal/repository"
	"civicphoto/internal/storage"
)

// Reconcile resolves pending markers older than the grace period. A marker
// whose key has a row was only left behind by a failed clear. A marker
// without a row belongs to an orphaned blob, which is removed.
func (p *Processor) Reconcile(ctx context.Context) (Report, error) {
	cutoff := p.opts.Now().Add(-p.opts.ReconcileGrace)
	stale, err := p.deps.Pending.ListStale(ctx, cutoff, p.opts.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list stale markers: %w", err)
	}

	var report Report
	for _, marker := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		deleted, err := p.resolveMarker(ctx, marker)
		if err != nil {
			report.Failed++
			p.logger.Error().
				Err(err).
				Str("object_key", marker.ObjectKey).
				Str("correlation_id", marker.CorrelationID).
				Msg("reconcile marker failed")
			continue
		}
		if deleted {
			report.Deleted++
		} else {
			report.Cleared++
		}
	}
	return report, nil
}

func (p *Processor) resolveMarker(ctx context.Context, marker storage.PendingUpload) (bool, error) {
	exists, err := p.deps.Photos.ExistsByObjectKey(ctx, marker.ObjectKey)
	if err != nil {
		return false, fmt.Errorf("lookup row: %w", err)
	}
	if !exists {
		if err := p.deps.Blobs.Delete(ctx, marker.ObjectKey); err != nil {
			return false, fmt.Errorf("delete orphan: %w", err)
		}
		p.logger.Warn().
			Str("object_key", marker.ObjectKey).
			Str("owner_id", marker.OwnerID).
			Str("url", marker.URL).
			Str("correlation_id", marker.CorrelationID).
			Msg("orphaned blob removed")
	}
	if err := p.deps.Pending.Clear(ctx, marker.ObjectKey); err != nil {
		return false, err
	}
	return !exists, nil
}

// Purge hard-deletes photos soft-deleted longer than the retention period.
// Blobs go first: a failure leaves a soft-deleted row to retry, never an
// untracked blob.
func (p *Processor) Purge(ctx context.Context) (Report, error) {
	cutoff := p.opts.Now().Add(-p.opts.Retention)
	photos, err := p.deps.Photos.ListPurgeable(ctx, cutoff, p.opts.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list purgeable: %w", err)
	}

	var report Report
	for _, photo := range photos {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		if err := p.deps.Blobs.Delete(ctx, photo.ObjectKey); err != nil {
			report.Failed++
			p.logger.Error().Err(err).Str("photo_id", photo.ID).Msg("purge blob failed")
			continue
		}
		if photo.ThumbnailURL != nil {
			if err := p.deps.Blobs.DeleteVariant(ctx, storage.ThumbnailKey(photo.ObjectKey)); err != nil {
				report.Failed++
				p.logger.Error().Err(err).Str("photo_id", photo.ID).Msg("purge thumbnail failed")
				continue
			}
		}
		if err := p.deps.Photos.HardDelete(ctx, photo.ID); err != nil && !errors.Is(err, repository.ErrPhotoNotFound) {
			report.Failed++
			p.logger.Error().Err(err).Str("photo_id", photo.ID).Msg("purge row failed")
			continue
		}
		report.Deleted++
	}
	return report, nil
}
