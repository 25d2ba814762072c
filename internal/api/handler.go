package api

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/endpoint"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/probe"
	"github.com/shaiso/Courier/internal/repo"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	pool       *pgxpool.Pool
	runRepo    *repo.RunRepo
	taskRepo   *repo.TaskRepo
	contRepo   *repo.ContinuationRepo
	envRepo    *repo.EnvRepo
	client     *endpoint.Client
	calibrator *probe.Calibrator
	publisher  *mq.Publisher
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Pool       *pgxpool.Pool
	RunRepo    *repo.RunRepo
	TaskRepo   *repo.TaskRepo
	ContRepo   *repo.ContinuationRepo
	EnvRepo    *repo.EnvRepo
	Client     *endpoint.Client
	Calibrator *probe.Calibrator
	Publisher  *mq.Publisher
	Logger     *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		pool:       cfg.Pool,
		runRepo:    cfg.RunRepo,
		taskRepo:   cfg.TaskRepo,
		contRepo:   cfg.ContRepo,
		envRepo:    cfg.EnvRepo,
		client:     cfg.Client,
		calibrator: cfg.Calibrator,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
	}
}
