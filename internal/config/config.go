package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
)

// Config is layered: JSON file, then OPACA_* environment overrides, then
// command-line flags.
type Config struct {
	Port            string `json:"port"`
	CollectionsDir  string `json:"collectionsDir"`
	Dialect         string `json:"dialect"` // "postgres" | "sqlite"
	DBURL           string `json:"dbUrl"`
	AutoMigrate     bool   `json:"autoMigrate"`
	MaxListLimit    int    `json:"maxListLimit"`
	TenantHeader    string `json:"tenantHeader"`
	ActorHeader     string `json:"actorHeader"`
	HooksBestEffort bool   `json:"hooksBestEffort"`
	AuditBestEffort bool   `json:"auditBestEffort"`
}

func def() Config {
	return Config{
		Port:           "8080",
		CollectionsDir: "collections",
		Dialect:        "sqlite",
		DBURL:          "opaca.db",
		AutoMigrate:    true,
		MaxListLimit:   100,
		TenantHeader:   "X-Tenant-ID",
		ActorHeader:    "X-Actor",
	}
}

func loadJSON(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		switch strings.TrimSpace(strings.ToLower(v)) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

func getenvInt(k string, fallback int) int {
	if v, ok := os.LookupEnv(k); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// LoadWithPath reads JSON from the given path, then applies env and flags.
func LoadWithPath(jsonPath string) Config {
	cfg := def()

	if st, err := os.Stat(jsonPath); err == nil && !st.IsDir() {
		if c2, err := loadJSON(jsonPath); err == nil {
			cfg = c2
		}
	}

	cfg.Port = getenv("OPACA_PORT", cfg.Port)
	cfg.CollectionsDir = getenv("OPACA_COLLECTIONS_DIR", cfg.CollectionsDir)
	cfg.Dialect = getenv("OPACA_DIALECT", cfg.Dialect)
	cfg.DBURL = getenv("OPACA_DB_URL", cfg.DBURL)
	cfg.AutoMigrate = getenvBool("OPACA_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.MaxListLimit = getenvInt("OPACA_MAX_LIST_LIMIT", cfg.MaxListLimit)
	cfg.TenantHeader = getenv("OPACA_TENANT_HEADER", cfg.TenantHeader)
	cfg.ActorHeader = getenv("OPACA_ACTOR_HEADER", cfg.ActorHeader)
	cfg.HooksBestEffort = getenvBool("OPACA_HOOKS_BEST_EFFORT", cfg.HooksBestEffort)
	cfg.AuditBestEffort = getenvBool("OPACA_AUDIT_BEST_EFFORT", cfg.AuditBestEffort)

	configPath := flag.String("config", jsonPath, "Path to config JSON")
	port := flag.String("port", cfg.Port, "HTTP port")
	collections := flag.String("collections", cfg.CollectionsDir, "Path to collection declarations")
	dialect := flag.String("dialect", cfg.Dialect, "SQL dialect (postgres/sqlite)")
	db := flag.String("db", cfg.DBURL, "Database URL or sqlite file path")
	auto := flag.String("auto-migrate", strconv.FormatBool(cfg.AutoMigrate), "Apply generated DDL at startup (true/false)")
	flag.Parse()

	if *configPath != jsonPath {
		return LoadWithPath(*configPath)
	}

	cfg.Port = strings.TrimSpace(*port)
	cfg.CollectionsDir = strings.TrimSpace(*collections)
	cfg.Dialect = strings.TrimSpace(*dialect)
	cfg.DBURL = strings.TrimSpace(*db)
	cfg.AutoMigrate = strings.EqualFold(strings.TrimSpace(*auto), "true") ||
		strings.TrimSpace(*auto) == "1"

	return cfg
}
