package redemption

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"getonblockchain/pkg/taskname"
)

var Module = fx.Module("redemption.service",
	fx.Provide(
		NewService,
		provideMetrics,
	),
)

var GRPC = fx.Module("redemption.grpc",
	fx.Invoke(registerHealthServer),
)

var HTTP = fx.Module("redemption.http",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("redemption.worker",
	fx.Provide(
		NewTask,
		NewScheduler,
	),
	fx.Invoke(
		registerTaskHandlers,
		runScheduler,
	),
)

func provideMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// ErrUnsupportedDialect is returned by Migrate for databases without partial
// unique indexes, which the one-pending-request rule depends on.
var ErrUnsupportedDialect = errors.New("redemption: database must support partial unique indexes (postgres or sqlite)")

// Migrate creates or updates every redemption table and index.
func Migrate(db *gorm.DB) error {
	if name := db.Dialector.Name(); name == "mysql" {
		return fmt.Errorf("%w: got %s", ErrUnsupportedDialect, name)
	}
	return db.AutoMigrate(Models()...)
}

func registerHealthServer(server *grpc.Server, service *Service) {
	grpc_health_v1.RegisterHealthServer(server, service)
}

func registerRoutes(r *gin.Engine, h *Handler) {
	h.Register(r)
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.RedemptionCleanupExpired, t.HandleCleanupExpired)
	mux.HandleFunc(taskname.RedemptionConfirmed, t.HandleConfirmed)
}

func runScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}
