package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-replay/internal/config"
	"github.com/technosupport/ts-replay/internal/data"
	"github.com/technosupport/ts-replay/internal/route"
	"github.com/technosupport/ts-replay/internal/segment"
)

// catalog_import registers a route found under a local directory in the SQL catalog.
// With -base-url the stored locations point at an HTTP mirror of that directory.
func main() {
	cfgPath := flag.String("config", "", "config file (defaults to the data root config)")
	routeName := flag.String("route", "", "route to import")
	root := flag.String("root", "", "route directory (defaults to replay.data_dir)")
	baseURL := flag.String("base-url", "", "rewrite file locations to this URL prefix")
	remove := flag.Bool("delete", false, "remove the route from the catalog instead")
	verify := flag.Bool("verify", true, "decode each segment log before registering it")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("No database configured (database.url or DATABASE_URL)")
	}
	id, err := route.ParseIdentifier(*routeName)
	if err != nil {
		log.Fatalf("Invalid route: %v", err)
	}
	if *root == "" {
		*root = cfg.Replay.DataDir
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	model := data.RouteSegmentModel{DB: db}

	if *remove {
		if err := model.DeleteRoute(ctx, id.Name()); err != nil {
			log.Fatalf("Delete %s failed: %v", id.Name(), err)
		}
		log.Printf("Removed %s from the catalog", id.Name())
		return
	}

	cat, err := route.DirSource{Root: *root}.Resolve(ctx, id)
	if err != nil {
		log.Fatalf("Resolve %s under %s failed: %v", id, *root, err)
	}

	if *verify {
		for _, n := range cat.Indices() {
			mono, err := firstMonoTime(cat.Segments[n])
			if err != nil {
				log.Fatalf("Segment %d is unreadable: %v", n, err)
			}
			log.Printf("[INFO] Segment %d starts at mono %d", n, mono)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer tx.Rollback()
	txModel := data.RouteSegmentModel{DB: tx}

	for _, n := range cat.Indices() {
		files := cat.Segments[n]
		seg := data.RouteSegment{
			Route:        id.Name(),
			SegmentIndex: n,
			RLogURL:      location(*root, *baseURL, files.RLog),
			QLogURL:      location(*root, *baseURL, files.QLog),
		}
		if err := txModel.Upsert(ctx, seg); err != nil {
			log.Fatalf("Upsert segment %d failed: %v", n, err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Fatalf("Commit failed: %v", err)
	}
	log.Printf("Imported %d segment(s) of %s", len(cat.Segments), id.Name())
}

func location(root, baseURL, path string) string {
	if path == "" || baseURL == "" {
		return path
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return path
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return path
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + filepath.ToSlash(rel)
}

// firstMonoTime reads the preferred log of a segment, the full log when present.
func firstMonoTime(files segment.Files) (uint64, error) {
	path := files.RLog
	if path == "" {
		path = files.QLog
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	mono, err := segment.FirstMonoTime(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return mono, nil
}
