package audit

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KuruwiC/prisma-audit-sub002/internal/enrich"
	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/pipeline"
	"github.com/KuruwiC/prisma-audit-sub002/internal/writer"
)

// Option configures a Client.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	logger *slog.Logger
	schema model.SchemaProvider

	// Sinks. At most one of these is used; sink wins, then pool, then
	// databaseURL, then sqlitePath. The default is ModelSink.
	sink        model.Sink
	pool        *pgxpool.Pool
	databaseURL string
	sqlitePath  string

	excludeFields []string
	redactFields  []string
	redactMask    any

	awaitWrite       bool
	awaitFunc        writer.AwaitFunc
	nestedFetch      mapping.FetchPolicy
	fetchBefore      bool
	includeRelations bool
	actor            *enrich.Enricher

	onError       writer.ErrorHandler
	hooks         []pipeline.Hook
	bufferSize    int
	flushInterval time.Duration
	asyncTimeout  time.Duration
}

// WithLogger sets the structured logger for the Client.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithSchema supplies unique constraints and relation shape. Without it the
// data client is used when it implements SchemaProvider; otherwise nested
// writes are not detected.
func WithSchema(p SchemaProvider) Option {
	return func(o *resolvedOptions) { o.schema = p }
}

// WithSink replaces the default ModelSink.
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}

// WithPostgresSink writes records to the audit_logs table through pool. The
// Client does not close the pool. Migrations are not run; see
// WithDatabaseURL.
func WithPostgresSink(pool *pgxpool.Pool) Option {
	return func(o *resolvedOptions) { o.pool = pool }
}

// WithDatabaseURL connects to Postgres, applies the embedded audit_logs
// migrations, and writes records there. The Client owns the connection.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLiteSink writes records to a SQLite file at path.
func WithSQLiteSink(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithExcludeFields drops fields from every diff. Excluded fields still
// appear in before and after.
func WithExcludeFields(fields ...string) Option {
	return func(o *resolvedOptions) { o.excludeFields = append(o.excludeFields, fields...) }
}

// WithRedactFields masks fields wherever they appear in a record.
func WithRedactFields(fields ...string) Option {
	return func(o *resolvedOptions) { o.redactFields = append(o.redactFields, fields...) }
}

// WithRedactMask overrides the value redacted fields are replaced with.
func WithRedactMask(mask any) Option {
	return func(o *resolvedOptions) { o.redactMask = mask }
}

// WithAwaitWrite makes the caller wait for its audit write by default.
// Entity definitions may override it.
func WithAwaitWrite(await bool) Option {
	return func(o *resolvedOptions) { o.awaitWrite = await }
}

// WithAwaitWriteFunc decides per entity whether to wait. It takes precedence
// over every other await setting.
func WithAwaitWriteFunc(fn AwaitFunc) Option {
	return func(o *resolvedOptions) { o.awaitFunc = fn }
}

// WithNestedFetch sets whether nested updates and deletes read their before
// state.
func WithNestedFetch(update, del bool) Option {
	return func(o *resolvedOptions) { o.nestedFetch = mapping.FetchPolicy{Update: update, Delete: del} }
}

// WithFetchBefore reads the before state of top-level deletes, so delete
// records carry it. Top-level updates always read it to compute changes.
func WithFetchBefore(fetch bool) Option {
	return func(o *resolvedOptions) { o.fetchBefore = fetch }
}

// WithIncludeRelations keeps relation sub-objects in before and after.
func WithIncludeRelations(include bool) Option {
	return func(o *resolvedOptions) { o.includeRelations = include }
}

// WithActorEnricher enriches the actor once per call.
func WithActorEnricher(e *Enricher) Option {
	return func(o *resolvedOptions) { o.actor = e }
}

// WithErrorHandler receives failures of deferred and fire-and-forget writes.
// The default logs them at error level.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *resolvedOptions) { o.onError = h }
}

// WithHook registers a persistence hook. Hooks run in registration order.
// Multiple hooks may be registered via multiple WithHook calls.
func WithHook(h Hook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, h) }
}

// WithAsyncBuffer batches fire-and-forget records, flushing at size records
// or every flush interval, whichever comes first.
func WithAsyncBuffer(size int, flush time.Duration) Option {
	return func(o *resolvedOptions) {
		o.bufferSize = size
		o.flushInterval = flush
	}
}

// WithAsyncTimeout bounds each deferred and fire-and-forget write.
func WithAsyncTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.asyncTimeout = d }
}
