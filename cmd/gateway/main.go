// package main: deposit gateway service
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarancss/hd"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/gateway"
	"github.com/tarancss/depositgw/lib/chain"
	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/config"
	"github.com/tarancss/depositgw/lib/lease"
	"github.com/tarancss/depositgw/lib/lease/redis"
	"github.com/tarancss/depositgw/lib/logger"
	"github.com/tarancss/depositgw/lib/msg"
	"github.com/tarancss/depositgw/lib/msg/amqp"
	"github.com/tarancss/depositgw/lib/msg/kafka"
	"github.com/tarancss/depositgw/lib/msg/local"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store/db"
	"github.com/tarancss/depositgw/lib/trace"
	"github.com/tarancss/depositgw/registry"
	"github.com/tarancss/depositgw/watcher"
)

const leaseTTL = 30 * time.Second

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to serve Prometheus metrics and health checks")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}
	if err = logger.Init(conf.LogLevel, conf.Env); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Get()
	log.Info("configuration loaded", zap.String("db", conf.DbType), zap.String("mb", conf.MbType),
		zap.String("lease", conf.Lease), zap.Int("chains", len(conf.Chains)))

	if conf.Jaeger != "" {
		tp, err := trace.InitTracer("depositgw", conf.Jaeger)
		if err != nil {
			panic(err)
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	// connect to database
	dbConn, err := db.New(conf.DbType, conf.DbConn)
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := db.Close(conf.DbType, dbConn); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}()

	// lease backend
	var leases lease.Leaser = lease.NewLocal()
	if conf.Lease == "redis" {
		rl, err := redis.New(conf.Redis, os.Getenv("DGW_REDISPASS"), 0, leaseTTL, log)
		if err != nil {
			panic(err)
		}
		defer rl.Close()
		leases = rl
	}

	// load HD wallet
	var hdw *hd.HdWallet
	if conf.Seed != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(conf.Seed, "0x"))
		if err != nil {
			panic(err)
		}
		if hdw, err = hd.Init(seed); err != nil {
			panic(err)
		}
	} else {
		log.Warn("no HD seed configured, vendor addresses cannot be derived")
	}

	// load all blockchains
	adapters, err := chain.Init(conf.Chains, conf.Watch.RequestTimeout.D(), hdw, log)
	if err != nil {
		panic(err)
	}
	defer chain.End(adapters)
	log.Info("blockchain adapters loaded", zap.Int("n", len(adapters)))

	policy, err := pricing.FromConfig(conf)
	if err != nil {
		panic(err)
	}

	// load message broker
	var mb msg.Broker
	switch conf.MbType {
	case "amqp":
		var ab *amqp.Amqp
		if ab, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect
			if ab, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}
		mb = ab
	case "kafka":
		if mb, err = kafka.New(conf.MbConn, "depositgw"); err != nil {
			panic(err)
		}
	default:
		log.Warn("no message broker configured, requests are only accepted in process")
		mb = local.New()
	}
	if err = mb.Setup(nil); err != nil {
		panic(err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.Warn("closing message broker", zap.Error(err))
		}
	}()

	// compose the service
	fetchers := make(map[types.ChainID]watcher.Chain, len(adapters))
	wconf := watcher.Config{
		Default: watcher.Limits{
			MaxAttempts:      conf.Watch.MaxAttempts,
			PollInterval:     conf.Watch.PollInterval.D(),
			MaxFetchFailures: conf.Watch.MaxFetchFailures,
		},
		Chains: make(map[types.ChainID]watcher.Limits),
	}
	derivers := make(map[types.ChainID]registry.Deriver)
	nets := make([]string, 0, len(adapters))
	for _, c := range conf.Chains {
		id := types.ChainID(c.Name)
		a, ok := adapters[id]
		if !ok {
			continue
		}
		fetchers[id] = a
		if d, ok := a.(chain.Deriver); ok && hdw != nil {
			derivers[id] = d
		}
		wconf.Chains[id] = watcher.Limits{MaxAttempts: conf.Attempts(c), PollInterval: conf.Interval(c)}
		nets = append(nets, c.Name)
	}

	reg := registry.New(dbConn, policy, gateway.NewNotifier(mb, log), conf.Checkout, log).WithDerivers(derivers)
	wt := watcher.New(dbConn, leases, fetchers, reg, mb, wconf, log)
	g := gateway.New(reg, wt, mb, nets, log)

	// serve Prometheus metrics and health
	if *monitor {
		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
		r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}).Methods(http.MethodGet)
		srv := &http.Server{Addr: conf.Metrics, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("serving metrics", zap.String("addr", conf.Metrics))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	done, err := g.Serve()
	if err != nil {
		panic(err)
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Info("program killed, stopping")
		// cancel the watches and wait for their last ledger writes
		g.Stop()
	}()

	log.Info("gateway stopped", zap.String("status", <-done))
}
