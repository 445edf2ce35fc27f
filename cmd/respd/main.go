package main

import (
	"flag"
	"net"
	"os"
	"strconv"

	"github.com/flonle/respd/internal/respd"
	"go.uber.org/zap"
)

func main() {
	cfg := respd.DefaultConfig()

	var replicaof string
	flag.StringVar(&cfg.Addr, "bind", cfg.Addr, "address to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flag.StringVar(&cfg.Dir, "dir", cfg.Dir, "the directory in which the rdb file resides")
	flag.StringVar(&cfg.DBFilename, "dbfilename", cfg.DBFilename, "the name of the RDB file")
	flag.StringVar(&replicaof, "replicaof", "", "host port of a leader to follow")
	flag.Parse()

	if replicaof != "" {
		host, port, err := splitReplicaOf(replicaof)
		if err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
		cfg.ReplicaOfHost = host
		cfg.ReplicaOfPort = port
	}

	logConfig := zap.NewProductionConfig()
	logger := zap.Must(logConfig.Build())
	defer logger.Sync()
	log := logger.Sugar()

	store := respd.NewStorage()
	if err := respd.LoadSnapshot(store, cfg.Dir, cfg.DBFilename); err != nil {
		log.Fatalw("loading snapshot failed", "error", err)
	}

	server := respd.NewServer(cfg, log, store)
	if err := server.Run(); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}

// splitReplicaOf accepts both "host port" (matching REDIS's traditional
// "replicaof <host> <port>" config directive) and "host:port".
func splitReplicaOf(s string) (string, int, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			s = s[:i] + ":" + s[i+1:]
			break
		}
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
