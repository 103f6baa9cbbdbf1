package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/subject"

	"gorm.io/gorm"
)

// IndexResolver answers from the local account and record index.
type IndexResolver struct {
	db *gorm.DB
}

var _ Resolver = (*IndexResolver)(nil)

func NewIndexResolver(db *gorm.DB) *IndexResolver {
	return &IndexResolver{db: db}
}

func (ir *IndexResolver) ResolveSubject(ctx context.Context, s subject.Subject) (subject.Subject, error) {
	switch v := s.(type) {
	case subject.Repo:
		var acct models.Account
		if err := ir.db.WithContext(ctx).Where("did = ? AND deactivated = ?", v.Did, false).First(&acct).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				resolverLookups.WithLabelValues("index", "repo", "not_found").Inc()
				return nil, fmt.Errorf("account %s: %w", v.Did, ErrNotFound)
			}
			resolverLookups.WithLabelValues("index", "repo", "error").Inc()
			return nil, err
		}
		resolverLookups.WithLabelValues("index", "repo", "ok").Inc()
		return subject.Repo{Did: acct.Did}, nil
	case subject.Record:
		var rec models.RecordEntry
		if err := ir.db.WithContext(ctx).Where("uri = ? AND deleted = ?", v.Uri, false).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				resolverLookups.WithLabelValues("index", "record", "not_found").Inc()
				return nil, fmt.Errorf("record %s: %w", v.Uri, ErrNotFound)
			}
			resolverLookups.WithLabelValues("index", "record", "error").Inc()
			return nil, err
		}
		if v.Pinned() && v.Cid != rec.Cid {
			resolverLookups.WithLabelValues("index", "record", "stale").Inc()
			return nil, fmt.Errorf("record %s is at %s, not %s: %w", v.Uri, rec.Cid, v.Cid, ErrNotFound)
		}
		resolverLookups.WithLabelValues("index", "record", "ok").Inc()
		return subject.Record{Uri: rec.Uri, Cid: rec.Cid}, nil
	default:
		return nil, fmt.Errorf("unsupported subject type: %T", s)
	}
}
