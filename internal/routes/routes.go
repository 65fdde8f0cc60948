package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kivu-pay/kivu_pay/internal/cluster"
	"github.com/kivu-pay/kivu_pay/internal/config"
	"github.com/kivu-pay/kivu_pay/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Cluster *cluster.Cluster
	Logger  *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	h := newLedgerHandler(d.Cluster)
	api := app.Group("/api/v1")

	// Reads are never rate limited or replayed; register them outside the
	// mutation guards.
	api.Get("/balances/:owner", h.BalanceOf)
	api.Get("/transactions/:id", h.TransactionStatus)
	api.Get("/state", h.State)

	submit := api.Group("")
	if d.Cache != nil {
		submit.Use(middleware.SubmitRateLimit(d.Cache, 120))
		submit.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	submit.Post("/transfers", h.Transfer)

	admin := submit.Group("", middleware.AdminAuth(d.Cfg.AdminTokenHash))
	admin.Post("/mint", h.Mint)
	admin.Post("/burn", h.Burn)

	return nil
}
