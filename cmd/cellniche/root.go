package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/atlasmap-sc/cellniche/internal/config"
	"github.com/atlasmap-sc/cellniche/internal/logging"
	"github.com/atlasmap-sc/cellniche/internal/pipeline"
	"github.com/atlasmap-sc/cellniche/internal/registry"
)

var version = "dev"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	store      *registry.Store
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "cellniche",
		Short:         "Cell niche discovery for spatial single-cell data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "config/cellniche.yaml", "Path to configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("output-dir", "", "Root directory for run outputs")
	flags.String("registry", "", "Path to the run registry database")
	flags.String("points", "", "Points table (parquet)")
	flags.String("marks", "", "Marks table (parquet)")
	flags.Float64("radius", 0, "Neighbourhood radius")
	flags.Int("n-clusters", 0, "Number of niches")
	flags.Int("batch-size", 0, "Mini-batch size")
	flags.Int64("seed", 0, "Random seed")
	flags.Int("workers", 0, "Worker goroutines")
	flags.Bool("overlays", false, "Render overlays after clustering")

	for key, flag := range map[string]string{
		"log.level":            "log-level",
		"data.output_dir":      "output-dir",
		"registry.sqlite_path": "registry",
		"data.points_path":     "points",
		"data.marks_path":      "marks",
		"niche.radius":         "radius",
		"niche.n_clusters":     "n-clusters",
		"niche.batch_size":     "batch-size",
		"niche.random_seed":    "seed",
		"pipeline.workers":     "workers",
		"pipeline.overlays":    "overlays",
	} {
		cobra.CheckErr(a.v.BindPFlag(key, flags.Lookup(flag)))
	}

	a.v.SetEnvPrefix("CELLNICHE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		newRunCmd(a),
		newAggregateCmd(a),
		newClusterCmd(a),
		newOverlayCmd(a),
		newPhenotypeCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	path := a.configPath
	if env := a.v.GetString("config"); env != "" && !cmd.Flags().Changed("config") {
		path = env
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyOverrides(a.v, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	a.logger.Debug("configuration loaded", zap.String("path", path))
	return nil
}

// openStore opens the run registry on first use.
func (a *app) openStore() (*registry.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := registry.Open(a.cfg.Registry.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) newPipeline() (*pipeline.Pipeline, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return pipeline.New(a.cfg, a.logger, store)
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// applyOverrides copies values set through flags or CELLNICHE_* environment
// variables over the file configuration.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := v.GetString(key); s != "" {
				*dst = s
			}
		}
	}
	str("log.level", &cfg.Log.Level)
	str("log.encoding", &cfg.Log.Encoding)
	str("data.output_dir", &cfg.Data.OutputDir)
	str("data.points_path", &cfg.Data.PointsPath)
	str("data.marks_path", &cfg.Data.MarksPath)
	str("registry.sqlite_path", &cfg.Registry.SQLitePath)
	str("cohorts.metadata_csv", &cfg.Cohorts.MetadataCSV)
	str("phenotype.tags_path", &cfg.Phenotype.TagsPath)
	str("phenotype.lookup_csv", &cfg.Phenotype.LookupCSV)
	str("phenotype.output", &cfg.Phenotype.Output)
	str("phenotype.output_path", &cfg.Phenotype.OutputPath)

	if v.IsSet("niche.radius") && v.GetFloat64("niche.radius") > 0 {
		cfg.Niche.Radius = v.GetFloat64("niche.radius")
	}
	if v.IsSet("niche.n_clusters") && v.GetInt("niche.n_clusters") != 0 {
		cfg.Niche.NClusters = v.GetInt("niche.n_clusters")
	}
	if v.IsSet("niche.batch_size") && v.GetInt("niche.batch_size") != 0 {
		cfg.Niche.BatchSize = v.GetInt("niche.batch_size")
	}
	if v.IsSet("niche.random_seed") {
		cfg.Niche.RandomSeed = v.GetInt64("niche.random_seed")
	}
	if v.IsSet("pipeline.workers") && v.GetInt("pipeline.workers") != 0 {
		cfg.Pipeline.Workers = v.GetInt("pipeline.workers")
	}
	if v.IsSet("pipeline.overlays") {
		cfg.Pipeline.Overlays = v.GetBool("pipeline.overlays")
	}
	if v.IsSet("server.port") && v.GetInt("server.port") != 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
}
