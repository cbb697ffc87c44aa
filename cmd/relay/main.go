package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/mkoval/authlink/internal/flagx"
	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/peersync"
	"github.com/mkoval/authlink/internal/relay"
)

func main() {

	args := flagx.FilterArgs(os.Args[1:], []string{"-l", "-apps", "-origins"})
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	listenAddr := fs.String("l", "127.0.0.1:8710", "listen address")
	appsPath := fs.String("apps", "", "path to a JSON file of trusted app registrations")
	origins := fs.String("origins", "", "comma-separated allowed origin patterns")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	logger := logging.NewDefault("relay")

	var patterns []string
	switch {
	case *appsPath != "":
		data, err := os.ReadFile(*appsPath)
		if err != nil {
			log.Fatal(err)
		}
		var apps []peersync.TrustedApp
		if err := json.Unmarshal(data, &apps); err != nil {
			log.Fatal(err)
		}
		patterns = peersync.NewRegistry(apps...).AllowedOrigins()
	case *origins != "":
		patterns = strings.Split(*origins, ",")
	}

	hub := relay.NewHub(logger, patterns)

	mux := http.NewServeMux()
	mux.Handle("/sync", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Printf("sync relay listening on %s", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, mux); err != nil {
		log.Fatal(err)
	}
}
