package provenance_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/perfstream/anomalyd/internal/persistence/migrations"
	"github.com/perfstream/anomalyd/internal/sink"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	if os.Getenv("ANOMALYD_CONTRACT_TESTS") == "" {
		fmt.Fprintln(os.Stderr, "postgres contract tests skipped: set ANOMALYD_CONTRACT_TESTS=1 to run")
		os.Exit(0)
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "anomalyd"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgresql://postgres:secret@%s:%s/anomalyd?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect pool: %w", err)
	}
	return nil
}

func TestPostgresStoreWritesDocuments(t *testing.T) {
	ctx := context.Background()
	store := sink.NewPostgresStore(testPool, 0, 2, nil)

	batch := sink.Batch{
		Kind: sink.KindAnomalies,
		Step: 4,
		Records: []json.RawMessage{
			json.RawMessage(`{"func":"compute","outlier_score":12.5}`),
			json.RawMessage(`{"func":"pack","outlier_score":9.1}`),
		},
	}
	require.NoError(t, store.Write(ctx, batch))

	rows, err := testPool.Query(ctx,
		`SELECT document->>'func' FROM provenance_records WHERE rank = 2 AND io_step = 4 ORDER BY seq`)
	require.NoError(t, err)
	defer rows.Close()

	var funcs []string
	for rows.Next() {
		var f string
		require.NoError(t, rows.Scan(&f))
		funcs = append(funcs, f)
	}
	require.Equal(t, []string{"compute", "pack"}, funcs)
}

func TestPostgresStoreAssignsUniqueIDs(t *testing.T) {
	ctx := context.Background()
	store := sink.NewPostgresStore(testPool, 0, 3, nil)

	for step := 0; step < 3; step++ {
		require.NoError(t, store.Write(ctx, sink.Batch{
			Kind:    sink.KindNormalExecs,
			Step:    step,
			Records: []json.RawMessage{json.RawMessage(`{"ok":true}`)},
		}))
	}

	var count, distinct int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT count(*), count(DISTINCT id) FROM provenance_records WHERE rank = 3`).Scan(&count, &distinct))
	require.Equal(t, 3, count)
	require.Equal(t, count, distinct)
}
