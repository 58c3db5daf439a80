package di

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/storage"
)

// StorageService holds the Postgres pool. Pool is nil for the memory driver.
type StorageService struct {
	Pool *pgxpool.Pool
}

// NewStorage connects to Postgres when the postgres driver is configured.
func NewStorage(i do.Injector) (*StorageService, error) {
	cfg := do.MustInvoke[*ConfigService](i).Get()
	if !cfg.Storage.IsPostgres() {
		return &StorageService{}, nil
	}
	logger := do.MustInvoke[*LoggerService](i).Logger

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := storage.Connect(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	return &StorageService{Pool: pool}, nil
}

// Shutdown implements do.Shutdowner.
func (s *StorageService) Shutdown() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}
