package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opaca/internal/api"
	"opaca/internal/config"
	"opaca/internal/crud"
	"opaca/internal/ddl"
	"opaca/internal/schema"
	"opaca/internal/store"
)

func main() {
	cfg := config.LoadWithPath("opaca.json")

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	raw, err := schema.LoadCollections(cfg.CollectionsDir)
	if err != nil {
		log.Fatal("loading collections", zap.Error(err))
	}
	built, err := schema.Sanitize(raw)
	if err != nil {
		log.Fatal("building config", zap.Error(err))
	}
	log.Info("collections built", zap.Int("count", len(built.Order())))

	dialect, err := ddl.ParseDialect(cfg.Dialect)
	if err != nil {
		log.Fatal("bad dialect", zap.Error(err))
	}
	db, err := store.Open(dialect, cfg.DBURL)
	if err != nil {
		log.Fatal("opening database", zap.Error(err))
	}
	defer db.Close()

	if cfg.AutoMigrate {
		tables, err := ddl.CompileAll(built, dialect)
		if err != nil {
			log.Fatal("compiling tables", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := ddl.Apply(ctx, db.SQL(), ddl.RenderAll(tables)); err != nil {
			cancel()
			log.Fatal("applying DDL", zap.Error(err))
		}
		cancel()
		log.Info("schema applied", zap.Int("tables", len(tables)))
	}

	engine, err := crud.New(built, db, log, crud.Options{
		MaxLimit: cfg.MaxListLimit,
		Tables:   defaultTableConfigs(built, cfg),
	})
	if err != nil {
		log.Fatal("building engine", zap.Error(err))
	}

	h := api.NewHandler(engine, api.Options{
		TenantHeader: cfg.TenantHeader,
		ActorHeader:  cfg.ActorHeader,
	})
	r := api.NewRouter(h, log)

	log.Info("listening", zap.String("port", cfg.Port), zap.String("dialect", dialect.String()))
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

// defaultTableConfigs wires the baseline policy per collection: allow-all
// ACL, audit to the log, and soft delete when the collection declares a
// date field stored as deleted_at.
func defaultTableConfigs(built *schema.Built, cfg config.Config) map[string]crud.TableConfig {
	out := make(map[string]crud.TableConfig)
	for _, slug := range built.Order() {
		col, _ := built.Collection(slug)
		tc := crud.TableConfig{
			Hooks: crud.Hooks{BestEffort: cfg.HooksBestEffort},
			Audit: crud.Audit{BestEffort: cfg.AuditBestEffort},
		}
		for _, f := range col.Fields {
			if f.Type == schema.KindDate && f.ColumnName == "deleted_at" {
				tc.SoftDelete = &crud.SoftDelete{Column: "deleted_at", ExcludeByDefault: true}
			}
		}
		out[slug] = tc
	}
	return out
}
