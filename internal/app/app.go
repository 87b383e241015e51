// Package app assembles the prescription pipeline from configuration. The
// API server, the document worker and rxctl share this wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/audit"
	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/delivery"
	"github.com/drfirst/go-rxguard/internal/document"
	"github.com/drfirst/go-rxguard/internal/domain/patient"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/domain/staff"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/interaction"
	"github.com/drfirst/go-rxguard/internal/logging"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/internal/security"
	"github.com/drfirst/go-rxguard/internal/workflow"
	"github.com/drfirst/go-rxguard/pkg/circuitbreaker"
)

// Breaker names
const (
	BreakerInteractions = "interaction-source"
	BreakerDelivery     = "mail-relay"
)

// App holds the wired components of one process
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pool     *pgxpool.Pool
	Cipher   *security.FieldCipher
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Manager

	Staff         *staff.Repository
	Patients      *patient.Repository
	Prescriptions *prescription.Repository
	Gateway       *auth.Gateway
	Audit         audit.Multi
	Documents     *document.Generator
	Workflow      *workflow.Workflow

	closers []func()
}

// Build connects to the database and wires every component. Close releases
// what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Connect opens only the database and the field cipher. Used by tooling that
// does not need the workflow.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	pool, err := postgres.Connect(ctx, a.Config.DatabaseURL)
	if err != nil {
		return err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	if a.Config.FieldEncryptionKey != "" {
		key, err := a.Config.FieldKey()
		if err != nil {
			return fmt.Errorf("field key: %w", err)
		}
		if a.Cipher, err = security.NewFieldCipher(key); err != nil {
			return err
		}
	}

	a.Staff = staff.NewRepository(pool, a.Cipher, a.Logger)
	a.Patients = patient.NewRepository(pool, a.Cipher, a.Logger)
	a.Prescriptions = prescription.NewRepository(pool, a.Logger)
	return nil
}

func (a *App) wire() error {
	cfg := a.Config

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)
	a.Breakers = circuitbreaker.NewManager(a.Logger, func(name string, to circuitbreaker.State) {
		a.Metrics.BreakerState(name, to.Value())
	})

	gw, err := auth.NewGateway(cfg.GatewayConfig(), auth.ChainStore{a.Staff, a.Patients}, a.Logger)
	if err != nil {
		return fmt.Errorf("auth gateway: %w", err)
	}
	a.Gateway = gw

	auditLogger, closeAudit, err := logging.NewAuditLogger(cfg.AuditLogPath, cfg.ErrorLogPath, cfg.IsDev())
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	a.closers = append(a.closers, closeAudit)
	a.Audit = audit.Multi{
		audit.NewPostgresLog(a.Pool, a.Logger),
		audit.NewStreamLog(auditLogger),
	}

	checker, err := a.interactionChecker()
	if err != nil {
		return err
	}

	store, err := document.NewOSFileStore(cfg.DocumentDir)
	if err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	a.Documents = document.NewGenerator(document.Config{Institution: cfg.InstitutionName}, store, a.Logger)

	mailer, err := a.deliveryService()
	if err != nil {
		return err
	}

	a.Workflow, err = workflow.New(workflow.Dependencies{
		Prescriptions: a.Prescriptions,
		Patients:      a.Patients,
		Staff:         a.Staff,
		StepUp:        a.Gateway,
		Checker:       checker,
		Documents:     a.Documents,
		Delivery:      mailer,
		Audit:         a.Audit,
		Metrics:       a.Metrics,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	return nil
}

func (a *App) interactionChecker() (*interaction.Checker, error) {
	var source interaction.Source
	switch a.Config.InteractionSource {
	case "postgres":
		source = interaction.NewPostgresSource(a.Pool)
	default:
		a.Logger.Warn("using the built-in placeholder interaction table")
		source = interaction.NewStaticSource(interaction.PlaceholderTable()...)
	}

	breaker, err := a.Breakers.GetOrCreate(BreakerInteractions, circuitbreaker.DefaultConfig(BreakerInteractions))
	if err != nil {
		return nil, fmt.Errorf("interaction breaker: %w", err)
	}
	return interaction.NewChecker(source, breaker, interaction.Config{
		LookupTimeout: a.Config.InteractionLookupTimeout,
	}, a.Logger), nil
}

func (a *App) deliveryService() (*delivery.Service, error) {
	var transport delivery.Transport
	if a.Config.SMTPHost == "" {
		a.Logger.Warn("SMTP_HOST not set; prescriptions are logged instead of mailed")
		transport = delivery.NewLogTransport(a.Logger)
	} else {
		transport = delivery.NewSMTPTransport(delivery.SMTPConfig{
			Host:     a.Config.SMTPHost,
			Port:     a.Config.SMTPPort,
			Username: a.Config.SMTPUsername,
			Password: a.Config.SMTPPassword,
		})
	}

	breaker, err := a.Breakers.GetOrCreate(BreakerDelivery, circuitbreaker.DefaultConfig(BreakerDelivery))
	if err != nil {
		return nil, fmt.Errorf("delivery breaker: %w", err)
	}

	dcfg := delivery.DefaultConfig(a.Config.SMTPFrom)
	dcfg.Timeout = a.Config.SMTPTimeout
	return delivery.NewService(dcfg, transport, breaker, a.Logger), nil
}

// Ready reports whether the database answers and no breaker is open
func (a *App) Ready(ctx context.Context) error {
	if err := a.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.Breakers == nil {
		return nil
	}
	for _, s := range a.Breakers.GetHealthStatus() {
		if !s.Healthy {
			return fmt.Errorf("circuit %s is %s", s.Name, s.State)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
