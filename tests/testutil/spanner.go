// Package testutil provides helpers for integration tests that run against
// the Spanner emulator (SPANNER_EMULATOR_HOST must be set).
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/phtran-dev/saola-eventq/internal/storage/spannerdb"
)

const (
	testProject  = "test-project"
	testInstance = "test-instance"
	testDatabase = "eventq-test"
)

// TestSpannerDB returns the emulator database path, overridable through
// EVENTQ_TEST_SPANNER_DB.
func TestSpannerDB() string {
	if db := os.Getenv("EVENTQ_TEST_SPANNER_DB"); db != "" {
		return db
	}
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", testProject, testInstance, testDatabase)
}

// SetupSpannerTest provisions the emulator instance, database and schema,
// and returns a client plus cleanup. Tests share the database, so each test
// starts by truncating it.
func SetupSpannerTest(t *testing.T) (*spanner.Client, func()) {
	t.Helper()

	if os.Getenv("SPANNER_EMULATOR_HOST") == "" {
		t.Skip("SPANNER_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	ensureDatabase(t, ctx)

	client, err := spanner.NewClient(ctx, TestSpannerDB())
	require.NoError(t, err, "create spanner client")

	CleanDatabase(t, client)

	return client, func() {
		CleanDatabase(t, client)
		client.Close()
	}
}

// CleanDatabase truncates both tables, jobs first.
func CleanDatabase(t *testing.T, client *spanner.Client) {
	t.Helper()

	_, err := client.Apply(context.Background(), []*spanner.Mutation{
		spanner.Delete("TransferJobs", spanner.AllKeys()),
		spanner.Delete("StableEventQueues", spanner.AllKeys()),
	})
	require.NoError(t, err, "clean database")
}

func ensureDatabase(t *testing.T, ctx context.Context) {
	t.Helper()

	instAdmin, err := instance.NewInstanceAdminClient(ctx)
	require.NoError(t, err)
	defer instAdmin.Close()

	instOp, err := instAdmin.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     "projects/" + testProject,
		InstanceId: testInstance,
		Instance: &instancepb.Instance{
			Config:      fmt.Sprintf("projects/%s/instanceConfigs/emulator-config", testProject),
			DisplayName: testInstance,
			NodeCount:   1,
		},
	})
	switch {
	case status.Code(err) == codes.AlreadyExists:
	case err != nil:
		t.Fatalf("create instance: %v", err)
	default:
		_, err = instOp.Wait(ctx)
		require.NoError(t, err, "wait for instance")
	}

	dbAdmin, err := database.NewDatabaseAdminClient(ctx)
	require.NoError(t, err)
	defer dbAdmin.Close()

	dbOp, err := dbAdmin.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          fmt.Sprintf("projects/%s/instances/%s", testProject, testInstance),
		CreateStatement: "CREATE DATABASE `" + testDatabase + "`",
		ExtraStatements: spannerdb.DDL,
	})
	switch {
	case status.Code(err) == codes.AlreadyExists:
	case err != nil:
		t.Fatalf("create database: %v", err)
	default:
		_, err = dbOp.Wait(ctx)
		require.NoError(t, err, "wait for database")
	}
}
