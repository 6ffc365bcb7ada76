// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	syncConfigRepo *SyncConfigRepository
	queueRepo      *QueueRepository
	deadLetterRepo *DeadLetterRepository
	definitionRepo *WorkflowDefinitionRepository
	executionRepo  *ExecutionRepository
}

// NewPersistence connects, runs migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		syncConfigRepo: NewSyncConfigRepository(database, logger),
		queueRepo:      NewQueueRepository(database, logger),
		deadLetterRepo: NewDeadLetterRepository(database, logger),
		definitionRepo: NewWorkflowDefinitionRepository(database, logger),
		executionRepo:  NewExecutionRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) SyncConfigs() persistence.SyncConfigRepository {
	return p.syncConfigRepo
}

func (p *Persistence) Queue() persistence.QueueRepository {
	return p.queueRepo
}

func (p *Persistence) DeadLetters() persistence.DeadLetterRepository {
	return p.deadLetterRepo
}

func (p *Persistence) WorkflowDefinitions() persistence.WorkflowDefinitionRepository {
	return p.definitionRepo
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executionRepo
}
