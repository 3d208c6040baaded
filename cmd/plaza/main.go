// Spins up the plaza content cache over its document store and serves the ops ports (HTTP and Redis protocol).

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nobletooth/plaza/pkg/cache"
	"github.com/nobletooth/plaza/pkg/config"
	"github.com/nobletooth/plaza/pkg/content"
	"github.com/nobletooth/plaza/pkg/port"
	"github.com/nobletooth/plaza/pkg/store"
	"github.com/nobletooth/plaza/pkg/utils"
)

var (
	printVersion  = flag.Bool("print_version", false, "Print the version and exit.")
	storeBackend  = flag.String("store_backend", "memory", "Document store backend: memory/sqlite/dynamodb")
	sqlitePath    = flag.String("sqlite_path", "data/plaza.db", "Database file of the sqlite store backend.")
	warmFeedPages = flag.Int("warm_feed_pages", 1, "Number of feed pages rendered into the cache on startup.")
	warmFeedLimit = flag.Int("warm_feed_limit", 20, "Page size of the feed pages warmed on startup.")
)

func openStore(ctx context.Context) (store.Store, error) {
	switch *storeBackend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(*sqlitePath)
	case "dynamodb":
		return store.NewDynamoDB(ctx)
	default:
		return nil, fmt.Errorf("unknown --store_backend '%s'", *storeBackend)
	}
}

// warmFeed renders the first feed pages so the first readers after a restart hit the cache.
func warmFeed(ctx context.Context, aggregator *content.Aggregator) {
	for page := 1; page <= *warmFeedPages; page++ {
		feed, err := aggregator.ListPosts(ctx, page, *warmFeedLimit)
		if err != nil {
			slog.Warn("Failed to warm the feed.", "page", page, "error", err)
			return
		}
		if !feed.HasMore {
			return
		}
	}
}

func run(ctx context.Context) error {
	backend, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open the %s store: %w", *storeBackend, err)
	}
	documents := store.NewGuarded(backend)
	defer func() {
		if err := documents.Close(); err != nil {
			slog.Error("Failed to close the store.", "error", err)
		}
	}()

	views := cache.NewManager()
	views.Start(ctx)
	defer views.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	opts := make([]content.Option, 0, 1)
	if likes := content.NewLikeFilter(); likes != nil {
		if err := likes.Warm(ctx, documents); err != nil {
			slog.Warn("Like filter stays cold, every like lookup goes to the cache or store.", "error", err)
		}
		group.Go(func() error {
			likes.Refresh(groupCtx, documents)
			return nil
		})
		opts = append(opts, content.WithLikeFilter(likes))
	}
	aggregator := content.NewAggregator(documents, views, opts...)
	warmFeed(ctx, aggregator)

	group.Go(func() error {
		return port.RunHTTPServer(groupCtx, port.NewHTTPHandler(views, documents.State))
	})
	group.Go(func() error {
		return port.RunRedisServer(groupCtx, views)
	})
	return group.Wait()
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Plaza build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Plaza server stopped.", "error", err)
		os.Exit(1)
	}
}
