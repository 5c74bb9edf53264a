// Package integration runs the coordinator and store against a real
// PostgreSQL instance: the election transaction in §4.H relies on
// row-level locking semantics no fake/in-memory store can reproduce.
package integration

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dcsfleet/control/internal/store"
)

// storeSuite starts one PostgreSQL container for the whole suite and opens
// a fresh *store.Store (migrations included) per test via newStore.
type storeSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	dsn       string
}

func (s *storeSuite) SetupSuite() {
	s.ctx = context.Background()

	if dsn := os.Getenv("DCSFLEET_TEST_DATABASE_URL"); dsn != "" {
		s.dsn = dsn
		return
	}

	container, err := postgres.Run(s.ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("dcsfleet_test"),
		postgres.WithUsername("dcsfleet"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	s.Require().NoError(err, "starting postgres container")
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.dsn = dsn
}

func (s *storeSuite) TearDownSuite() {
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(s.ctx))
	}
}

// newStore opens an independent store.Store against the shared database,
// letting each test own its own pool while the schema persists across tests.
func (s *storeSuite) newStore() *store.Store {
	st, err := store.Open(s.ctx, s.dsn, zerolog.Nop())
	s.Require().NoError(err)
	s.T().Cleanup(st.Close)
	return st
}
