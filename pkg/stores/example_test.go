package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            stores.MemoryPath,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_FinishExecution demonstrates the execution lifecycle.
func ExampleSQLiteStore_FinishExecution() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	exec := &stores.Execution{
		ID:        "exec-001",
		Procedure: "procedures/power_on.star",
		Metadata:  `{"scenario":"power.yaml"}`,
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		log.Fatal(err)
	}

	if err := store.FinishExecution(ctx, "exec-001", stores.ExecutionStatusCompleted, nil); err != nil {
		log.Fatal(err)
	}

	retrieved, err := store.GetExecution(ctx, "exec-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Execution: %s, Status: %s\n", retrieved.ID, retrieved.Status)
	// Output: Execution: exec-001, Status: completed
}

// ExampleSQLiteStore_Publish demonstrates using the store as a notification sink.
func ExampleSQLiteStore_Publish() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	var sink engine.NotificationSink = store
	sink.Publish(engine.Notification{
		ExecutionID: "exec-002",
		Kind:        engine.NotifyOperation,
		Name:        "send PWR_ON",
		Status:      engine.StatusSuccess,
		Time:        time.Now(),
	})

	execID := "exec-002"
	notifications, err := store.ListNotifications(ctx, &execID, nil, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Notification count: %d, Name: %s\n", len(notifications), notifications[0].Name)
	// Output: Notification count: 1, Name: send PWR_ON
}
