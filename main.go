package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatview/chatview/chat"
	"github.com/chatview/chatview/httpapi"
	"github.com/chatview/chatview/ingest"
	"github.com/chatview/chatview/store"
	"github.com/chatview/chatview/ws"
)

const (
	kafkaGroupId = "chatview"
	kafkaTopic   = "chatview-webhooks"
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "chatview.pid", "pid file")

	flagStore    = flag.String("store", "bolt", "record store backend: bolt | mysql")
	flagBoltPath = flag.String("bolt-path", "chatview.db", "bolt: database file")
	flagMysqlDsn = flag.String("mysql-dsn", "", "mysql: server dsn, defaults to $CHATVIEW_MYSQL_DSN")

	flagPayloadDir = flag.String("payload-dir", "sample_payloads", "dir with webhook payload *.json files to bulk load on first start")

	flagKafka        = flag.Bool("kafka", false, "consume webhook documents from kafka")
	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers, defaults to $CHATVIEW_KAFKA_BROKERS")

	flagStaticDir = flag.String("static-dir", "", "serve the frontend from this dir under /static/")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	// Matches the deployment habit of keeping DSNs out of flags.
	_ = godotenv.Load()
	if *flagMysqlDsn == "" {
		*flagMysqlDsn = os.Getenv("CHATVIEW_MYSQL_DSN")
	}
	if *flagKafkaBrokers == "" {
		*flagKafkaBrokers = os.Getenv("CHATVIEW_KAFKA_BROKERS")
	}

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("chatview server is starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recordStore, err := openStore(ctx)
	if err != nil {
		return errorf("open %s store: %v", *flagStore, err)
	}
	defer func() {
		_ = recordStore.Close()
	}()

	hub := ws.NewHub()
	ingestor := ingest.NewIngestor(recordStore, hub)
	chats := chat.NewConversations(recordStore)

	// Bulk load runs to completion before the server accepts traffic.
	if dir := *flagPayloadDir; dir != "" {
		if _, err := os.Stat(dir); err != nil {
			glog.Warningf("payload dir `%s` not accessible, skipping bulk load: %v", dir, err)
		} else if err := ingestor.LoadDir(ctx, dir); err != nil {
			return errorf("bulk load: %v", err)
		}
	}

	router := mux.NewRouter()
	if !*flagDisableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	router.Handle("/ws", hub)
	httpapi.NewServer(chats, ingestor).Register(router)
	if *flagStaticDir != "" {
		fs := http.FileServer(http.Dir(*flagStaticDir))
		router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", fs))
		router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/static/index.html", http.StatusFound)
		})
	}

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}

	httpServer := &http.Server{Handler: router}
	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http server: %v", err)
		}
	}()

	kafkaDoneC := make(chan struct{}, 1)
	if *flagKafka {
		src := ingest.NewKafkaSource(strings.Split(*flagKafkaBrokers, ","),
			kafkaTopic, kafkaGroupId, ingestor)
		go src.Run(ctx, kafkaDoneC)
	} else {
		kafkaDoneC <- struct{}{}
	}

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("chatview server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s`, stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-kafkaDoneC
				_ = httpServer.Shutdown(context.Background())
				hub.CloseAll()
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("chatview server exited")
	return 0
}

func openStore(ctx context.Context) (store.IRecordStore, error) {
	switch *flagStore {
	case "bolt":
		return store.OpenBolt(*flagBoltPath)
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		return store.NewMysqlStore(ctx, db)
	}
	return nil, fmt.Errorf("unknown store backend `%s`", *flagStore)
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn or $CHATVIEW_MYSQL_DSN is required")
		}
	default:
		return errorf("--store MUST be one of: bolt, mysql")
	}

	if *flagKafka && *flagKafkaBrokers == "" {
		return errorf("--kafka-brokers or $CHATVIEW_KAFKA_BROKERS is required")
	}

	if *flagStaticDir != "" {
		if _, err := os.Stat(*flagStaticDir); err != nil {
			return errorf("error stat static dir `%s`: %v", *flagStaticDir, err)
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
