// README: Entry point; loads config, wires stores, publisher and auth, then serves HTTP until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"freight/internal/config"
	httptransport "freight/internal/http"
	"freight/internal/events"
	"freight/internal/infra"
	"freight/internal/logger"
	"freight/internal/modules/backhaul"
	"freight/internal/modules/intent"
	"freight/internal/modules/negotiation"
)

func main() {
	os.Exit(start(os.Stderr))
}

// start returns the process exit code. Config errors go to stderr since the
// logger level comes from config.
func start(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "freight-api: %v\n", err)
		return 1
	}
	log := logger.New(cfg.Log.Level)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("freight-api stopped", zap.Error(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		negotiationStore negotiation.Repository
		intentStore      intent.Repository
	)
	switch cfg.Store {
	case config.StorePostgres:
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		negotiationStore = negotiation.NewStore(db)
		intentStore = intent.NewStore(db)
	default:
		log.Warn("using in-memory store; data is lost on restart")
		negotiationStore = negotiation.NewMemoryStore()
		intentStore = intent.NewMemoryStore()
	}

	var candidateIndex backhaul.CandidateIndex
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		candidateIndex = backhaul.NewIndex(rdb)
	}

	pub, err := newPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("close publisher", zap.Error(err))
		}
	}()

	intents := intent.NewService(intentStore)
	// The suggester owns the index so it knows when a write was missed.
	suggester := backhaul.NewService(negotiationStore, intents, candidateIndex, backhaul.Config{
		DefaultRadiusKm: cfg.Backhaul.DefaultRadiusKm,
		MaxRadiusKm:     cfg.Backhaul.MaxRadiusKm,
	}, log)
	engine := negotiation.NewEngine(negotiationStore, pub, suggester, log)

	if err := suggester.Reindex(ctx); err != nil {
		log.Warn("backhaul index rebuild failed; suggestions fall back to full listing", zap.Error(err))
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Engine:              engine,
		Intents:             intents,
		Backhaul:            suggester,
		Verifier:            verifier,
		Log:                 log,
		ListDefaultRadiusKm: cfg.List.DefaultRadiusKm,
	})
	return httptransport.NewServer(cfg.HTTP.Addr, router, log).Run(ctx)
}

func newVerifier(ctx context.Context, cfg config.Config) (infra.TokenVerifier, error) {
	if cfg.Auth.Provider == config.AuthJWT {
		return infra.NewJWTVerifier(cfg.JWT.Secret), nil
	}
	return infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.Credentials)
}

// newPublisher fans status events out to Kafka (or the log when no brokers are
// set) and, when enabled, to FCM topics.
func newPublisher(ctx context.Context, cfg config.Config, log *zap.Logger) (events.Fanout, error) {
	var out events.Fanout
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 {
		out = append(out, events.NewKafkaPublisher(brokers, cfg.Kafka.Topic, log))
	} else {
		out = append(out, events.NewLogPublisher(log))
	}
	if cfg.Push.Enabled {
		client, err := infra.NewFirebaseMessaging(ctx, cfg.Firebase.ProjectID, cfg.Firebase.Credentials)
		if err != nil {
			return nil, err
		}
		out = append(out, events.NewPushPublisher(client, log))
	}
	return out, nil
}
