package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/dephealth/vulnscan-db/pkg/cache"
	"github.com/dephealth/vulnscan-db/pkg/cache/blob"
	"github.com/dephealth/vulnscan-db/pkg/config"
	"github.com/dephealth/vulnscan-db/pkg/engine"
	"github.com/dephealth/vulnscan-db/pkg/queue"
	"github.com/dephealth/vulnscan-db/pkg/source"
	"github.com/dephealth/vulnscan-db/pkg/source/ghsa"
	"github.com/dephealth/vulnscan-db/pkg/source/osv"
	"github.com/dephealth/vulnscan-db/pkg/transport"
	"github.com/dephealth/vulnscan-db/pkg/types"
	"github.com/dephealth/vulnscan-db/pkg/utils"
)

func NewApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "vulnscan-db"
	app.Version = version
	app.Usage = "Aggregate known-vulnerability data for package dependencies"

	app.Commands = []cli.Command{
		{
			Name:      "scan",
			Usage:     "scan a dependency list against all vulnerability sources",
			ArgsUsage: "dependencies.json",
			Action:    scan,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config",
					Usage: "config file path",
					Value: "vulnscan.toml",
				},
				cli.BoolFlag{
					Name:  "no-cache",
					Usage: "bypass the persistent cache for this run",
				},
				cli.BoolFlag{
					Name:  "json",
					Usage: "emit the raw result map as JSON",
				},
			},
		},
		{
			Name:   "clear-cache",
			Usage:  "remove all cached lookups",
			Action: clearCache,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config",
					Usage: "config file path",
					Value: "vulnscan.toml",
				},
			},
		},
	}

	return app
}

func scan(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("expected exactly one dependency file argument")
	}

	deps, err := readDependencies(c.Args().First())
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	eng, pcache, err := buildEngine(cfg, len(deps))
	if err != nil {
		return err
	}
	defer pcache.Close()

	result, err := eng.GetBatchVulnerabilities(context.Background(), deps, c.Bool("no-cache"))
	if err != nil {
		return xerrors.Errorf("scan: %w", err)
	}

	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	printResult(result)
	return nil
}

func clearCache(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	fs, err := openBlobFS(cfg)
	if err != nil {
		return err
	}
	defer fs.Close()

	pcache := cache.New(fs)
	for _, src := range []types.SourceID{types.SourceOSV, types.SourceGHSA} {
		count, err := pcache.Count(src)
		if err != nil {
			return xerrors.Errorf("list %s cache: %w", src, err)
		}
		if err := pcache.Clear(src); err != nil {
			return xerrors.Errorf("clear %s cache: %w", src, err)
		}
		fmt.Printf("%s: removed %d cached entries\n", src, count)
	}
	return nil
}

func readDependencies(path string) ([]types.Dependency, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open dependency file: %w", err)
	}
	defer f.Close()

	var deps []types.Dependency
	if err := json.NewDecoder(f).Decode(&deps); err != nil {
		return nil, xerrors.Errorf("decode dependency file: %w", err)
	}
	for i := range deps {
		deps[i].Name = utils.NormalizePkgName(deps[i].Name)
	}
	return deps, nil
}

func buildEngine(cfg config.Config, workload int) (*engine.Engine, *cache.Cache, error) {
	fs, err := openBlobFS(cfg)
	if err != nil {
		return nil, nil, err
	}

	pcache := cache.New(fs,
		cache.WithTTL(cfg.Cache.TTL()),
		cache.WithSeverityBypass(*cfg.Cache.SeverityBypass),
	)

	timeout := time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second
	var sources []source.Source
	if *cfg.OSV.Enabled {
		httpClient := transport.NewClient(
			transport.WithHTTPClient(newHTTPClient(timeout)),
			transport.WithToken(cfg.OSV.Token()),
			transport.WithRetries(cfg.HTTP.Retries),
			transport.WithRateLimit(cfg.HTTP.RateLimit, queue.HighThroughputConcurrency),
		)
		var opts []osv.Option
		if cfg.OSV.URL != "" {
			opts = append(opts, osv.WithBaseURL(cfg.OSV.URL))
		}
		if cfg.OSV.Concurrency > 0 {
			opts = append(opts, osv.WithGate(queue.New(cfg.OSV.Concurrency)))
		} else {
			opts = append(opts, osv.WithGate(queue.New(queue.SizeFor(workload))))
		}
		sources = append(sources, osv.NewClient(httpClient, pcache, opts...))
	}
	if *cfg.GHSA.Enabled {
		httpClient := transport.NewClient(
			transport.WithHTTPClient(newHTTPClient(timeout)),
			transport.WithToken(cfg.GHSA.Token()),
			transport.WithRetries(cfg.HTTP.Retries),
			transport.WithRateLimit(cfg.HTTP.RateLimit, queue.DefaultConcurrency),
		)
		var opts []ghsa.Option
		if cfg.GHSA.URL != "" {
			opts = append(opts, ghsa.WithBaseURL(cfg.GHSA.URL))
		}
		if cfg.GHSA.Concurrency > 0 {
			opts = append(opts, ghsa.WithGate(queue.New(cfg.GHSA.Concurrency)))
		}
		sources = append(sources, ghsa.NewClient(httpClient, pcache, opts...))
	}

	return engine.New(sources...), pcache, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func openBlobFS(cfg config.Config) (blob.FS, error) {
	switch cfg.Cache.Backend {
	case config.BackendBolt:
		return blob.NewBoltFS(filepath.Join(cfg.Cache.Dir, "cache.db"))
	default:
		return blob.NewOSFS(cfg.Cache.Dir)
	}
}

func printResult(result types.Result) {
	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vulns := result[name]
		if len(vulns) == 0 {
			continue
		}
		fmt.Printf("%s (%d)\n", name, len(vulns))
		for _, v := range vulns {
			score := "-"
			if v.CVSSScore != nil {
				score = fmt.Sprintf("%.1f", *v.CVSSScore)
			}
			fmt.Printf("  %-20s %-10s %-5s %s\n", v.ID, types.ColorizeSeverity(v.Severity), score, v.Title)
		}
	}
}
