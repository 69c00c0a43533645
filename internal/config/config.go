package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config: réglages du processus, lus dans l'environnement (préfixe GSD_).
// Les réglages d'exécution (domain.Settings) vivent en base.
type Config struct {
	Addr      string
	DBPath    string
	DataDir   string
	LogLevel  string
	LogFormat string
	// Fichier structuré optionnel (.toml, .yaml, .yml), surveillé à chaud.
	NetworkFile string
	CORSOrigins []string
}

// LoadDotEnv charge les fichiers .env présents sans écraser l'environnement.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func Default() Config {
	return Config{
		Addr:        envOr("GSD_ADDR", "127.0.0.1:8080"),
		DBPath:      envOr("GSD_DB_PATH", "gsd.db"),
		DataDir:     envOr("GSD_DATA_DIR", "data"),
		LogLevel:    envOr("GSD_LOG_LEVEL", "info"),
		LogFormat:   envOr("GSD_LOG_FORMAT", "json"),
		NetworkFile: os.Getenv("GSD_CONFIG"),
		CORSOrigins: splitList(envOr("GSD_CORS_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
