package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"scrapnote.io/collab"
	"scrapnote.io/collab/server"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	StorePath  string `yaml:"storePath"`
	RedisAddr  string `yaml:"redisAddr"`
}

func loadConfig(path string) (*Config, error) {
	config := &Config{
		ListenAddr: ":8084",
	}
	if path == "" {
		return config, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	ctx := context.Background()

	config, err := loadConfig(*configPath)
	if err != nil {
		glog.Fatalf("config error = %s\n", err)
	}

	var store *server.SnapshotStore
	if config.StorePath != "" {
		store, err = collab.TraceWithReturnError("open store", func() (*server.SnapshotStore, error) {
			return server.OpenSnapshotStore(config.StorePath)
		})
		if err != nil {
			glog.Fatalf("store error = %s\n", err)
		}
		defer store.Close()
	}

	var fanout *server.Fanout
	if config.RedisAddr != "" {
		fanout, err = server.NewFanout(ctx, config.RedisAddr)
		if err != nil {
			glog.Fatalf("fanout error = %s\n", err)
		}
		defer fanout.Close()
	}

	hub := server.NewHub(ctx, store, fanout, server.DefaultHubSettings())
	defer hub.Close()

	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	glog.Infof("collabd listening on %s\n", config.ListenAddr)
	if err := http.ListenAndServe(config.ListenAddr, router); err != nil {
		glog.Fatalf("listen error = %s\n", err)
	}
}
