package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/clinicboard/reportpipe/internal/config"
)

const DB_NAME = "reportpipe"

const LOCAL_CONNECTION_STRING = "user=postgres password=postgres dbname=reportpipe sslmode=disable"

const MAIN_SCHEMA = "reportpipe"
const TESTING_SCHEMA = "reportpipe_test"

func GetSchemaName(isTesting bool) string {
	if isTesting {
		return TESTING_SCHEMA
	}
	return MAIN_SCHEMA
}

func ConnectionStringFromConfig(conf config.Config) string {
	if conf.IsDevelopment() {
		return LOCAL_CONNECTION_STRING
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s sslmode=require",
		conf.DatabaseHost(), conf.DBUsername(), conf.DBPassword(), DB_NAME,
	)
}

func NewPostgresDatabase(connectionString string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	err = createDatabaseIfNotExists(db, DB_NAME)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return db, nil
}

func createDatabaseIfNotExists(db *sqlx.DB, dbName string) error {
	row := db.QueryRowx("SELECT COUNT(*) FROM pg_database WHERE datname = $1", dbName)
	if row.Err() != nil {
		return fmt.Errorf("createDB: failed to check if database exists: %w", row.Err())
	}

	var count int
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("createDB: failed to scan row: %w", err)
	}

	if count > 0 {
		return nil
	}

	_, err := db.Exec(fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		return fmt.Errorf("createDB: failed to create database: %w", err)
	}

	return nil
}
