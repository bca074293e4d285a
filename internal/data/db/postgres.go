package db

import (
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/platform/logger"
)

type Config struct {
	DSN          string
	AppSchema    string // namespace for jobs/tasks, default "app"
	MaxOpenConns int    // keep under ~50% of the server's max_connections
	MaxIdleConns int
}

type PostgresService struct {
	db     *gorm.DB
	log    *logger.Logger
	schema string
}

func NewPostgresService(logg *logger.Logger, cfg Config) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: missing connection string")
	}
	schema := strings.TrimSpace(cfg.AppSchema)
	if schema == "" {
		schema = "app"
	}

	dsn, err := withSearchPath(cfg.DSN, schema)
	if err != nil {
		return nil, fmt.Errorf("postgres: bad connection string: %w", err)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresService{db: gdb, log: serviceLog, schema: schema}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

// Migrate creates the app schema, the jobs/tasks tables and the atomic
// server-side procedures. The catalog and domain schemas are managed
// elsewhere and never touched here.
func (s *PostgresService) Migrate() error {
	if err := s.db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q;`, s.schema)).Error; err != nil {
		return fmt.Errorf("create schema %s: %w", s.schema, err)
	}
	if err := s.db.AutoMigrate(&domain.Job{}, &domain.Task{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := InstallProcedures(s.db); err != nil {
		return fmt.Errorf("install procedures: %w", err)
	}
	s.log.Info("postgres migrated", "schema", s.schema)
	return nil
}

// withSearchPath pins the session search_path so unqualified tables and
// functions resolve to the app schema.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("search_path") == "" {
		q.Set("search_path", schema)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
