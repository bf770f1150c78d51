package asset

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/brightming/genflow/internal/generr"
)

// GormResolver 从 assets 表读取素材
type GormResolver struct {
	db *gorm.DB
}

func NewGormResolver(db *gorm.DB) (*GormResolver, error) {
	if err := db.AutoMigrate(&Asset{}); err != nil {
		return nil, err
	}
	return &GormResolver{db: db}, nil
}

func (r *GormResolver) Resolve(ctx context.Context, requesterID, assetID string) (*Asset, error) {
	var a Asset
	err := r.db.WithContext(ctx).Where("id = ?", assetID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, generr.NotFound("asset", assetID)
	}
	if err != nil {
		return nil, generr.Internal(err)
	}
	if a.OwnerID != "" && a.OwnerID != requesterID {
		return nil, generr.Forbidden("asset %s is not accessible", assetID)
	}
	return &a, nil
}

// Save 写入或更新素材
func (r *GormResolver) Save(ctx context.Context, a *Asset) error {
	return r.db.WithContext(ctx).Save(a).Error
}
