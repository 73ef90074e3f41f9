package orchestrator

import (
	"context"
	"fmt"

	"github.com/ptpm/legacy-sync/internal/checkpoint"
	"github.com/ptpm/legacy-sync/internal/config"
	"github.com/ptpm/legacy-sync/internal/exitcodes"
	"github.com/ptpm/legacy-sync/internal/idmap"
	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/ptpm/legacy-sync/internal/mapping"
	"github.com/ptpm/legacy-sync/internal/source"
	"github.com/ptpm/legacy-sync/internal/target"
	"github.com/ptpm/legacy-sync/internal/transform"
)

// Open wires a production orchestrator: mappings, state, id maps, the
// source pool and, in write mode, the GraphQL client. Mappings are loaded
// before anything is opened so a bad document fails without I/O.
func Open(ctx context.Context, cfg *config.Config, args config.RunArgs) (*Orchestrator, error) {
	if err := args.Validate(); err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if args.Write {
		if err := cfg.ValidateTarget(); err != nil {
			return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
	}
	paths := cfg.Paths(args)

	// Lookups are checked by name while loading, so the resolver exists
	// before the maps are opened.
	maps := idmap.Set{}
	resolver := &lazyResolver{maps: maps}
	engine := transform.NewEngine(nil, resolver)
	mappings, err := mapping.LoadDir(paths.MappingDir, args.Entities, priority(cfg), engine)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	o := &Orchestrator{}
	fail := func(err error, code int) (*Orchestrator, error) {
		o.Close()
		return nil, exitcodes.NewExitError(err, code)
	}

	state, err := openState(cfg, paths)
	if err != nil {
		return fail(err, exitcodes.StateError)
	}
	o.closers = append(o.closers, state.Close)

	if err := openIDMaps(cfg, paths, state, maps, o); err != nil {
		return fail(err, exitcodes.StateError)
	}

	pool, err := source.NewPool(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("connecting to source: %w", err), exitcodes.ConnectionError)
	}
	o.closers = append(o.closers, pool.Close)
	logging.Debug("Source pool: %s", pool.Stats())

	deps := Deps{
		Source:   pool,
		State:    state,
		IDMaps:   maps,
		Mappings: mappings,
		Engine:   engine,
	}
	if args.Write {
		deps.Target = target.NewClient(cfg.Target)
	}

	built, err := New(cfg, args, deps)
	if err != nil {
		o.Close()
		return nil, err
	}
	built.closers = o.closers
	return built, nil
}

func priority(cfg *config.Config) []string {
	if len(cfg.Sync.EntityOrder) > 0 {
		return cfg.Sync.EntityOrder
	}
	return mapping.DefaultPriority
}

func openState(cfg *config.Config, paths config.Paths) (checkpoint.Store, error) {
	path := paths.StateFile
	if cfg.Sync.StateBackend == "sqlite" {
		path = paths.SQLiteFile
	}
	store, err := checkpoint.Open(cfg.Sync.StateBackend, path)
	if err != nil {
		return nil, fmt.Errorf("opening sync state: %w", err)
	}
	logging.Debug("Sync state: %s (%s)", path, cfg.Sync.StateBackend)
	return store, nil
}

// openIDMaps fills maps with the job and service provider maps. The sqlite
// backend keeps them in the shared database even when a dry run keeps its
// cursors elsewhere.
func openIDMaps(cfg *config.Config, paths config.Paths, state checkpoint.Store, maps idmap.Set, o *Orchestrator) error {
	names := []string{idmap.Job, idmap.ServiceProvider}

	if cfg.Sync.StateBackend == "sqlite" {
		db, ok := state.(*checkpoint.SQLiteStore)
		if !ok || paths.SQLiteFile != paths.IDMapDB {
			shared, err := checkpoint.NewSQLiteStore(paths.IDMapDB)
			if err != nil {
				return fmt.Errorf("opening id map database: %w", err)
			}
			o.closers = append(o.closers, shared.Close)
			db = shared
		}
		for _, name := range names {
			m, err := db.IDMap(name)
			if err != nil {
				return err
			}
			maps[name] = m
		}
		return nil
	}

	for _, name := range names {
		m, err := idmap.OpenFile(paths.IDMapFile(name))
		if err != nil {
			return err
		}
		maps[name] = m
	}
	return nil
}

// lazyResolver serves lookups from maps opened after the mappings loaded.
type lazyResolver struct {
	maps     idmap.Set
	resolver *idmap.Resolver
}

func (r *lazyResolver) HasLookup(name string) bool {
	return name == idmap.LookupJob || name == idmap.LookupServiceProvider
}

func (r *lazyResolver) Resolve(name string, legacy any) (int64, bool) {
	if r.resolver == nil {
		r.resolver = idmap.NewResolver(r.maps.For(idmap.Job), r.maps.For(idmap.ServiceProvider))
	}
	return r.resolver.Resolve(name, legacy)
}

// newCheckEngine validates transform and lookup names only; its lookups
// never resolve.
func newCheckEngine() *transform.Engine {
	return transform.NewEngine(nil, &lazyResolver{maps: idmap.Set{}})
}
