package main

import (
	"context"
	"database/sql"
	"fmt"

	// database/sql drivers for the supported dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/mickamy/grievance/broker"
	"github.com/mickamy/grievance/complaint"
	"github.com/mickamy/grievance/escalation"
	"github.com/mickamy/grievance/events"
	"github.com/mickamy/grievance/internal/config"
	awssqs "github.com/mickamy/grievance/internal/lib/aws/sqs"
	"github.com/mickamy/grievance/internal/logging"
	"github.com/mickamy/grievance/internal/sqlutil"
	"github.com/mickamy/grievance/outbox"
	"github.com/mickamy/grievance/outbox/stores"
)

func openDB(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	dialect := cfg.Dialect()
	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if dialect == sqlutil.SQLite {
		// SQLite allows one writer; queue in the pool instead of on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, nil
}

func newStore(db *sql.DB, dialect sqlutil.Dialect) outbox.Store {
	switch dialect {
	case sqlutil.Postgres:
		return stores.NewPostgresStore(db)
	case sqlutil.MySQL:
		return stores.NewMySQLStore(db)
	default:
		return stores.NewSQLiteStore(db)
	}
}

func newBroker(ctx context.Context, cfg *config.Config, logger *logging.Logger) (broker.Broker, error) {
	var b broker.Broker
	switch cfg.Broker.Driver {
	case config.BrokerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.RedisAddr,
			Password: cfg.Broker.RedisPassword,
			DB:       cfg.Broker.RedisDB,
		})
		b = redisBroker{Redis: broker.NewRedis(client), client: client}
	case config.BrokerAMQP:
		amqp, err := broker.NewAMQP(cfg.Broker.AMQPURI, cfg.Broker.AMQPQueueSuffix, logger.Watermill())
		if err != nil {
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		b = amqp
	default:
		b = broker.NewInProcess(logger.Watermill(), cfg.Broker.Buffer)
	}
	if !cfg.SQS.Enabled {
		return b, nil
	}
	client, err := awssqs.New(ctx, awssqs.Options{
		Region:          cfg.SQS.Region,
		Endpoint:        cfg.SQS.Endpoint,
		AccessKeyID:     cfg.SQS.AccessKeyID,
		SecretAccessKey: cfg.SQS.SecretAccessKey,
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info(ctx, "mirroring due events to %s", cfg.SQS.QueueURL)
	return broker.NewMirror(b, broker.NewSQSPublisher(client, cfg.SQS.QueueURL),
		events.EscalationDueTopic, events.ClosureDueTopic), nil
}

// redisBroker closes the client it was built on along with its subscriptions.
type redisBroker struct {
	*broker.Redis
	client *redis.Client
}

func (r redisBroker) Close() error {
	return multierr.Combine(r.Redis.Close(), r.client.Close())
}

// deps is everything the long-running commands share.
type deps struct {
	db      *sql.DB
	broker  broker.Broker
	relay   *outbox.Relay
	service *complaint.Service
	logger  *logging.Logger
}

// wire opens the database and the broker and builds the relay and the
// complaint service on top of them. hooks may be nil.
func wire(ctx context.Context, rt *appContext, hooks outbox.Hooks) (*deps, error) {
	cfg := rt.cfg
	db, err := openDB(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	b, err := newBroker(ctx, cfg, rt.logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store := newStore(db, cfg.DB.Dialect())

	opts := cfg.Relay.Options()
	opts.Logger = rt.logger.With("component", "relay")
	opts.Hooks = hooks
	relay := outbox.NewRelay(store, outbox.NewBrokerSender(b, nil), opts)

	scheduler := escalation.NewScheduler(store,
		escalation.WithEscalationWindow(cfg.Escalation.Window),
		escalation.WithClosureWindow(cfg.Escalation.ClosureWindow),
	)
	service := complaint.NewService(complaint.NewRepository(db, cfg.DB.Dialect()), store, scheduler,
		complaint.WithLogger(rt.logger.With("component", "complaint")),
	)
	return &deps{
		db:      db,
		broker:  b,
		relay:   relay,
		service: service,
		logger:  rt.logger,
	}, nil
}

func (d *deps) close() error {
	return multierr.Combine(d.broker.Close(), d.db.Close())
}
