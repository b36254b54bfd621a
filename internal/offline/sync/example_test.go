package sync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/learnpath/learnsync/internal/offline/connectivity"
	"github.com/learnpath/learnsync/internal/offline/db"
	"github.com/learnpath/learnsync/internal/offline/queue"
	"github.com/learnpath/learnsync/internal/offline/schema"
	"github.com/learnpath/learnsync/internal/offline/sync"
)

// printBackend accepts every write and prints it.
type printBackend struct{}

func (printBackend) UpsertProgress(_ context.Context, payload json.RawMessage) error {
	fmt.Printf("progress %s\n", payload)
	return nil
}

func (printBackend) ApplyPointsDelta(_ context.Context, studentID string, delta int) error {
	fmt.Printf("points %s %+d\n", studentID, delta)
	return nil
}

func (printBackend) Upsert(_ context.Context, kind string, payload json.RawMessage) error {
	fmt.Printf("%s %s\n", kind, payload)
	return nil
}

// Writes made offline are queued, then replayed in order once the monitor
// reports the backend reachable again.
func ExampleNew() {
	dir, err := os.MkdirTemp("", "learnsync-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	database, err := db.Open(filepath.Join(dir, "offline.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.InitSchema(ctx); err != nil {
		log.Fatal(err)
	}

	monitor := connectivity.NewMonitor(false, nil)
	orch, err := sync.New(queue.New(database), printBackend{}, monitor, sync.DefaultOptions())
	if err != nil {
		log.Fatal(err)
	}

	res, _ := orch.Submit(ctx, schema.KindProgress, json.RawMessage(`{"student":"s1","lesson":"l1","score":90}`))
	fmt.Println(res.Status)
	res, _ = orch.Submit(ctx, schema.KindPoints, json.RawMessage(`{"student_id":"s1","points_to_add":10}`))
	fmt.Println(res.Status)

	monitor.Set(true)
	report, err := orch.Drain(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("synced=%d remaining=%d\n", report.Synced, report.Remaining)

	// Output:
	// deferred
	// deferred
	// progress {"student":"s1","lesson":"l1","score":90}
	// points s1 +10
	// synced=2 remaining=0
}
