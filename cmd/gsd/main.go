package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const usage = `Usage: gsd <commande> [args]

  health | version
  subs                          liste des abonnements
  sub <nom>                     détail d'un abonnement
  status                        état du manager
  network                       bande passante, domaines, logins
  jobs                          jobs réseau récents
  check-now <nom> [query]
  pause [nom] | resume [nom]    sans nom: tout le manager
  log <nom> <query>`

func main() {
	baseURL := flag.String("server", envOr("GSD_SERVER_URL", "http://127.0.0.1:8080"), "URL du serveur (ex: http://127.0.0.1:8080)")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout HTTP")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	api := *baseURL + "/api/v1"
	need := func(n int) {
		if len(args) < n+1 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
	}
	sub := func(name string) string { return api + "/subscriptions/" + url.PathEscape(name) }

	switch args[0] {
	case "health":
		run(client, http.MethodGet, api+"/health")
	case "version":
		run(client, http.MethodGet, api+"/version")
	case "subs":
		run(client, http.MethodGet, api+"/subscriptions")
	case "sub":
		need(1)
		run(client, http.MethodGet, sub(args[1]))
	case "status":
		run(client, http.MethodGet, api+"/manager")
	case "network":
		run(client, http.MethodGet, api+"/network")
	case "jobs":
		run(client, http.MethodGet, api+"/network/jobs")
	case "check-now":
		need(1)
		if len(args) > 2 {
			run(client, http.MethodPost, sub(args[1])+"/queries/"+url.PathEscape(args[2])+"/check-now")
		} else {
			run(client, http.MethodPost, sub(args[1])+"/check-now")
		}
	case "pause", "resume":
		if len(args) > 1 {
			run(client, http.MethodPost, sub(args[1])+"/"+args[0])
		} else {
			run(client, http.MethodPost, api+"/manager/"+args[0])
		}
	case "log":
		need(2)
		run(client, http.MethodGet, sub(args[1])+"/queries/"+url.PathEscape(args[2])+"/log")
	default:
		fmt.Fprintln(os.Stderr, "Commande inconnue:", args[0])
		os.Exit(2)
	}
}

func run(client *http.Client, method, url string) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Erreur:", err)
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Erreur:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	var pretty any
	if err := json.Unmarshal(b, &pretty); err == nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(pretty)
		if resp.StatusCode >= 400 {
			os.Exit(1)
		}
		return
	}

	os.Stdout.Write(b)
	os.Stdout.Write([]byte("\n"))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
