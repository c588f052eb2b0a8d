// Package services – AdminService
//
// Operator-facing surface: whole-database statistics and the destructive
// reset used for administrative recovery.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-gemini-relay/internal/repo"

	"go.opentelemetry.io/otel"
)

// AdminService exposes database-wide operations.
type AdminService struct {
	DB *gorm.DB
}

// NewAdminService constructs an AdminService over the given handle.
func NewAdminService(db *gorm.DB) *AdminService {
	return &AdminService{DB: db}
}

// DatabaseStats returns row counts per table, on-disk size, recent activity,
// and the all-time token total.
func (s *AdminService) DatabaseStats(ctx context.Context) (*repo.DatabaseStats, error) {
	tr := otel.Tracer("services/AdminService")
	ctx, span := tr.Start(ctx, "DatabaseStats")
	defer span.End()

	stats, err := repo.GetDatabaseStats(ctx, s.DB)
	return stats, storageErr("database stats", 0, 0, err)
}

// ResetDatabase drops and recreates all tables. All data is lost.
func (s *AdminService) ResetDatabase(ctx context.Context) error {
	tr := otel.Tracer("services/AdminService")
	ctx, span := tr.Start(ctx, "ResetDatabase")
	defer span.End()

	return storageErr("reset database", 0, 0, repo.Reset(ctx, s.DB))
}
