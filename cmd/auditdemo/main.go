// Command auditdemo runs a scripted blog scenario against an in-memory data
// client and prints every audit record as a JSON line on stdout. The sink
// records are persisted to is selected by AUDIT_SINK.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	audit "github.com/KuruwiC/prisma-audit-sub002"
	"github.com/KuruwiC/prisma-audit-sub002/internal/config"
	"github.com/KuruwiC/prisma-audit-sub002/internal/memclient"
	"github.com/KuruwiC/prisma-audit-sub002/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	// stdout carries the records.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("auditdemo starting", "version", version, "sink", cfg.Sink)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	sch, err := blogSchema()
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	db := memclient.New(sch)

	opts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithSchema(sch),
		audit.WithAwaitWrite(cfg.AwaitWrite),
		audit.WithFetchBefore(cfg.FetchBefore),
		audit.WithNestedFetch(true, true),
		audit.WithRedactFields("password"),
		audit.WithExcludeFields("updatedAt"),
		audit.WithAsyncTimeout(cfg.WriteTimeout),
		audit.WithActorEnricher(&audit.Enricher{
			One: func(ctx context.Context, db audit.Reader, item audit.EnrichItem) (map[string]any, error) {
				u, err := db.FindUnique(ctx, "User", audit.Row{"id": item.Ref.ID})
				if err != nil || u == nil {
					return nil, err
				}
				return map[string]any{"email": u["email"]}, nil
			},
		}),
		audit.WithHook(&printer{enc: json.NewEncoder(os.Stdout)}),
	}
	if cfg.BufferSize > 0 {
		opts = append(opts, audit.WithAsyncBuffer(cfg.BufferSize, cfg.FlushInterval))
	}
	switch cfg.Sink {
	case config.SinkPostgres:
		opts = append(opts, audit.WithDatabaseURL(cfg.DatabaseURL))
	case config.SinkSQLite:
		opts = append(opts, audit.WithSQLiteSink(cfg.SQLitePath))
	default:
		opts = append(opts, audit.WithSink(&audit.MemorySink{}))
	}

	client, err := audit.New(db, blogMapping(), opts...)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			slog.Error("audit client close failed", "error", err)
		}
	}()

	uid, err := scenario(ctx, client)
	if err != nil {
		return err
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
	defer drainCancel()
	if err := client.Drain(drainCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	check, err := client.VerifyAggregate(ctx, "User", uid)
	switch {
	case errors.Is(err, audit.ErrVerifyUnsupported):
	case err != nil:
		return fmt.Errorf("verify trail: %w", err)
	default:
		slog.Info("trail verified", "user", uid, "records", check.Records, "root", check.Root, "tampered", len(check.Tampered))
	}

	slog.Info("auditdemo finished")
	return nil
}

// scenario exercises nested creates, updates, an upsert, a rolled-back and a
// committed transaction, and batch writes. It returns the main user's id.
func scenario(ctx context.Context, c *audit.Client) (string, error) {
	sys := audit.WithRequestContext(ctx, map[string]any{"source": "auditdemo"})

	ann, err := c.Create(sys, "User", audit.Row{
		"email":    "ann@example.com",
		"name":     "Ann",
		"password": "hunter2",
		"profile":  audit.Row{"create": audit.Row{"bio": "writer"}},
		"posts": audit.Row{"create": []any{
			audit.Row{"title": "Hello"},
			audit.Row{"title": "Second"},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	uid := fmt.Sprint(ann["id"])

	actx := audit.WithActor(sys, audit.Ref{Category: "model", Type: "User", ID: uid})

	if _, err := c.Update(actx, "User", audit.Row{"id": uid}, audit.Row{
		"name":    "Ann Lee",
		"profile": audit.Row{"update": audit.Row{"bio": "editor"}},
	}); err != nil {
		return "", fmt.Errorf("update user: %w", err)
	}

	if _, err := c.Upsert(actx, "User", audit.Row{"email": "bob@example.com"},
		audit.Row{"email": "bob@example.com", "name": "Bob"},
		audit.Row{"name": "Bobby"}); err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}

	errRollback := errors.New("rollback")
	err = c.Transaction(actx, func(ctx context.Context) error {
		if _, err := c.Create(ctx, "Post", audit.Row{"title": "Draft", "authorId": uid}); err != nil {
			return err
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		return "", fmt.Errorf("transaction: %w", err)
	}

	err = c.Transaction(actx, func(ctx context.Context) error {
		post, err := c.Create(ctx, "Post", audit.Row{"title": "Published", "authorId": uid})
		if err != nil {
			return err
		}
		_, err = c.CreateMany(ctx, "Comment", []audit.Row{
			{"body": "first", "postId": post["id"]},
			{"body": "second", "postId": post["id"]},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("transaction: %w", err)
	}

	if _, err := c.UpdateMany(actx, "Post", audit.Row{"authorId": uid}, audit.Row{"published": true}); err != nil {
		return "", fmt.Errorf("publish posts: %w", err)
	}
	if _, err := c.DeleteMany(actx, "Comment", audit.Row{"body": "second"}); err != nil {
		return "", fmt.Errorf("delete comments: %w", err)
	}
	return uid, nil
}

// printer writes every handed-off record to stdout.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) BeforePersist(_ context.Context, recs []audit.Record) ([]audit.Record, error) {
	return recs, nil
}

func (p *printer) AfterPersist(_ context.Context, recs []audit.Record, _ audit.WriteResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range recs {
		if err := p.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
