package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/orchestra/pkg/stores"
)

func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

func ExampleSQLiteStore_ListExecutions() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	started := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	_ = store.CreateExecution(ctx, &stores.Execution{
		ID:        "0b9e7c1a",
		Fabric:    "prod",
		PlanType:  "deploy",
		PlanName:  "deploy - Fabric [prod] - parallel",
		LeafSteps: 12,
		StartedAt: started,
	})
	_ = store.FinishExecution(ctx, "0b9e7c1a", stores.ExecutionStatusCompleted, started.Add(90*time.Second), nil, nil)

	execs, _ := store.ListExecutions(ctx, stores.ExecutionFilter{Fabric: "prod"})
	for _, e := range execs {
		fmt.Printf("%s %s %s %s\n", e.ID, e.PlanName, e.Status, e.EndedAt.Sub(e.StartedAt))
	}
	// Output: 0b9e7c1a deploy - Fabric [prod] - parallel COMPLETED 1m30s
}
