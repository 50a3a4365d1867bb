// Command detock-scheduler runs one region+partition's Scheduler, Worker
// pool, Deadlock Resolver and peer directory registration (spec.md §4, §6).
// CLI shape (serve/stats subcommands over go-flags) grounded on the
// teacher's flowctl-go/main.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	flags "github.com/jessevdk/go-flags"
	"github.com/nsf/jsondiff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ctring/detock/go/config"
	"github.com/ctring/detock/go/ddr"
	"github.com/ctring/detock/go/lockmgr"
	"github.com/ctring/detock/go/ops"
	"github.com/ctring/detock/go/registry"
	"github.com/ctring/detock/go/remaster"
	"github.com/ctring/detock/go/rpcpeer"
	"github.com/ctring/detock/go/scheduler"
	"github.com/ctring/detock/go/storage"
	"github.com/ctring/detock/go/txn"
	"github.com/ctring/detock/go/worker"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

type cmdServe struct {
	config.Configuration
	Bind string `long:"bind" default:"0.0.0.0:9090" description:"gRPC listen address"`
	Metrics string `long:"metrics-bind" default:"0.0.0.0:9091" description:"Prometheus /metrics listen address"`
}

func (c *cmdServe) Execute(_ []string) error {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(lvl)
	logger := ops.StdLogger()

	rocksStore, err := storage.OpenRocksDB(c.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer rocksStore.Close()
	store, err := storage.NewCachedStore(rocksStore, 4096)
	if err != nil {
		return fmt.Errorf("build storage cache: %w", err)
	}

	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: c.Etcd.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	defer etcdClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, err := rpcpeer.NewDirectory(ctx, logger, etcdClient, c.Etcd.Prefix, c.Topology.Partition)
	if err != nil {
		return fmt.Errorf("start peer directory: %w", err)
	}
	if err := dir.Register(ctx, c.Topology.Partition, c.Bind, int64(c.Etcd.LeaseTTL.Seconds())); err != nil {
		return fmt.Errorf("register in peer directory: %w", err)
	}

	isLocalHome := func(home uint32) bool { return home == c.Topology.Region }

	reg := registry.NewRegistry()
	lm := lockmgr.NewManager(logger, int(c.Storage.SizeLimit))
	rm := remaster.NewManager(store)

	var auth *rpcpeer.PeerAuth
	if c.RPC.PeerAuthSecret != "" {
		auth = rpcpeer.NewPeerAuth([]byte(c.RPC.PeerAuthSecret), c.Topology.Partition)
	}
	transport := rpcpeer.NewTransport(c.Topology.Partition, dir, auth)

	pool := make([]*worker.Worker, c.Scheduling.NumWorkers)
	for i := range pool {
		pool[i] = worker.NewWorker(i, logger, store, transport, commandLibrary(), c.Topology.Partition, c.Scheduling.DDRInterval > 0)
	}
	dispatcher := &roundRobinDispatcher{pool: pool}

	sched := scheduler.New(logger, c.Topology.Partition, scheduler.DDR, reg, lm, rm, dispatcher, isLocalHome)
	wireWorkerHooks(pool, reg, sched)

	metricsReg := prometheus.NewRegistry()
	metrics := ops.NewMetrics(metricsReg)

	resolver := ddr.NewResolver(logger, c.Topology.Partition, transport, c.Scheduling.DDRInterval, metrics.DeadlocksResolved)

	grpc_prometheus.EnableHandlingTimeHistogram()
	metricsReg.MustRegister(grpc_prometheus.DefaultServerMetrics)
	serverInterceptors := []grpc.UnaryServerInterceptor{grpc_prometheus.UnaryServerInterceptor}
	if auth != nil {
		serverInterceptors = append(serverInterceptors, auth.UnaryServerInterceptor)
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(serverInterceptors...))
	rpcpeer.RegisterSchedulerServer(srv, rpcpeer.NewServer(sched, pool, transport))
	grpc_prometheus.Register(srv)

	lis, err := net.Listen("tcp", c.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.Bind, err)
	}

	go sampleStats(ctx, sched, metrics)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		_ = http.ListenAndServe(c.Metrics, mux)
	}()

	go sched.Run(ctx)
	go resolver.Run(ctx, func() []ddr.LockSnapshot { return toResolverSnapshot(lm.Snapshot()) }, func(deltas []ddr.MergeDelta, _ []txn.TxnId) {
		sched.Signal(toMergeDeltaSlice(deltas))
	})

	fmt.Println(green(fmt.Sprintf("detock-scheduler serving region=%d partition=%d on %s", c.Topology.Region, c.Topology.Partition, c.Bind)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println(yellow("shutting down"))
		srv.GracefulStop()
		cancel()
	}()

	return srv.Serve(lis)
}

type cmdStats struct {
	Target  string `long:"target" required:"true" description:"host:port of the scheduler to query"`
	Against string `long:"against" description:"optional second host:port; if set, prints a JSON diff against --target instead of a single snapshot"`
}

func fetchStats(target string) (*rpcpeer.StatsWire, error) {
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	cl := rpcpeer.NewSchedulerClient(cc)
	return cl.Stats(context.Background(), &rpcpeer.Empty{})
}

func (c *cmdStats) Execute(_ []string) error {
	resp, err := fetchStats(c.Target)
	if err != nil {
		return fmt.Errorf("stats rpc: %w", err)
	}
	if c.Against == "" {
		fmt.Printf("%s=%s %s=%d %s=%d %s=%d\n",
			green("lock_manager_type"), resp.LockManagerType,
			green("num_active_txns"), resp.NumActiveTxns,
			green("num_txns_waiting_for_lock"), resp.NumTxnsWaitingForLock,
			green("lock_table_size"), resp.LockTableSize)
		return nil
	}

	other, err := fetchStats(c.Against)
	if err != nil {
		return fmt.Errorf("stats rpc against %s: %w", c.Against, err)
	}
	a, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b, err := json.Marshal(other)
	if err != nil {
		return err
	}
	opts := jsondiff.DefaultConsoleOptions()
	diff, report := jsondiff.Compare(a, b, &opts)
	if diff == jsondiff.FullMatch {
		fmt.Println(green(fmt.Sprintf("%s and %s report identical stats", c.Target, c.Against)))
		return nil
	}
	fmt.Println(yellow(fmt.Sprintf("%s vs %s:", c.Target, c.Against)))
	fmt.Println(report)
	return nil
}

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddCommand("serve", "Serve a scheduler partition", "", &cmdServe{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("stats", "Query a running scheduler's stats", "", &cmdStats{}); err != nil {
		panic(err)
	}
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}
