package server

import (
	"context"

	"github.com/oakmere/flaggate/internal/core"
	"github.com/oakmere/flaggate/internal/repository"
	"github.com/oakmere/flaggate/internal/service"
)

type Service interface {
	IsEnabled(ctx context.Context, key string, evalCtx core.Context) bool
	GetUserFlags(ctx context.Context, evalCtx core.Context) map[string]bool
	GetAllFlags(ctx context.Context) ([]core.Flag, error)
	GetFlag(ctx context.Context, key string) (core.Flag, error)
	CreateFlag(ctx context.Context, flag core.Flag, actor string) (core.Flag, error)
	UpdateFlag(ctx context.Context, key string, update service.FlagUpdate, actor string) (core.Flag, error)
	Toggle(ctx context.Context, key string, actor string) (core.Flag, error)
	DeleteFlag(ctx context.Context, key string, actor string) error
	History(ctx context.Context, key string) ([]repository.HistoryEntry, error)
}

var _ Service = (*service.Service)(nil)
