package repository

import (
	"context"
	"fmt"

	"github.com/eduplatform/billing-service/pkg/logger"
	_ "github.com/jackc/pgx/v5/stdlib" // драйвер pgx для database/sql
	"github.com/jmoiron/sqlx"
)

// SQLStore реализация UnitOfWork поверх PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	log    *logger.Logger
	subs   *postgresSubscriptionRepo
	att    *postgresPaymentAttemptRepo
	events *postgresWebhookEventRepo
	audits *postgresReconciliationAuditRepo
}

// NewSQLStore подключается к базе и создает UnitOfWork.
func NewSQLStore(dsn string, log *logger.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		log.Errorw("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		log.Errorw("Failed to ping database", "error", err)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLStore{
		db:     db,
		log:    log,
		subs:   &postgresSubscriptionRepo{ext: db, log: log},
		att:    &postgresPaymentAttemptRepo{ext: db, log: log},
		events: &postgresWebhookEventRepo{ext: db, log: log},
		audits: &postgresReconciliationAuditRepo{ext: db, log: log},
	}, nil
}

// Close закрывает соединение с базой данных.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Repos возвращает репозитории вне транзакции.
func (s *SQLStore) Repos() RepoSet {
	return RepoSet{
		Subscriptions: s.subs,
		Attempts:      s.att,
		Events:        s.events,
		Audits:        s.audits,
	}
}

// Within выполняет fn в одной транзакции БД.
func (s *SQLStore) Within(ctx context.Context, fn func(r RepoSet) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.log.Errorw("Failed to begin transaction", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	repos := RepoSet{
		Subscriptions: s.subs.withTx(tx),
		Attempts:      s.att.withTx(tx),
		Events:        s.events.withTx(tx),
		Audits:        s.audits.withTx(tx),
	}

	if err := fn(repos); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Errorw("Failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.log.Errorw("Failed to commit transaction", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
