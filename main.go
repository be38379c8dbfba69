package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/etnz/package-statistics/config"
	"github.com/etnz/package-statistics/contents"
	"github.com/etnz/package-statistics/logger"
	"github.com/etnz/package-statistics/mirror"
	"github.com/etnz/package-statistics/report"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, report.Fail("Fatal: "+err.Error()))
		stop()
		os.Exit(1)
	}
}

// flags holds the raw command line values. They only override the
// configuration file when set explicitly.
type flags struct {
	confPath string
	logLevel string
	offline  bool

	top      int
	country  string
	dist     string
	comp     string
	mirror   string
	protocol string
	dir      string
	timeout  time.Duration
	strict   bool
	format   string
}

func newRootCmd() *cobra.Command {
	var f flags
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "package-statistics <architecture>",
		Short: "Package Statistics",
		Long: `Download the Contents index of a Debian architecture from a mirror and
list the packages that install the most files.`,
		Example: `  package-statistics amd64
  package-statistics arm64 --top 20 --country de --dist bookworm
  package-statistics amd64 --protocol http --format json`,
		Args:          cobra.ExactArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Setup(cmd.ErrOrStderr(), f.logLevel); err != nil {
				return err
			}
			cfg, err := config.Load(f.confPath)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), args[0], cfg, f.offline)
		},
	}
	cmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	fs := cmd.Flags()
	fs.IntVar(&f.top, "top", def.Top, "top number of packages")
	fs.StringVar(&f.country, "country", def.Country, "nearest country, defaults to UK")
	fs.StringVar(&f.dist, "dist", def.Dist, `distribution, defaults to "stable"`)
	fs.StringVar(&f.comp, "comp", def.Comp, `component, defaults to "main"`)
	fs.StringVar(&f.mirror, "mirror", "", "mirror host[:port], overrides --country")
	fs.StringVar(&f.protocol, "protocol", string(def.Protocol), "transfer protocol (ftp|http)")
	fs.StringVar(&f.dir, "dir", def.Dir, "directory the Contents index is downloaded to")
	fs.DurationVar(&f.timeout, "timeout", def.Timeout, "network timeout, 0 for none")
	fs.BoolVar(&f.strict, "strict", false, "abort on the first malformed index line")
	fs.StringVar(&f.format, "format", string(def.Format), "output format (table|json|yaml)")
	fs.BoolVar(&f.offline, "offline", false, "reuse the index already in --dir instead of downloading it")
	fs.StringVar(&f.confPath, "config", config.DefaultPath, "path to config file")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	return cmd
}

// apply copies explicitly set flags over cfg.
func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) error {
	set := cmd.Flags().Changed
	if set("top") {
		cfg.Top = f.top
	}
	if set("country") {
		cfg.Country = f.country
	}
	if set("dist") {
		cfg.Dist = f.dist
	}
	if set("comp") {
		cfg.Comp = f.comp
	}
	if set("mirror") {
		cfg.Mirror = f.mirror
	}
	if set("dir") {
		cfg.Dir = f.dir
	}
	if set("strict") {
		cfg.Strict = f.strict
	}
	if set("protocol") {
		p, err := mirror.ParseProtocol(f.protocol)
		if err != nil {
			return err
		}
		cfg.Protocol = p
	}
	if set("format") {
		fm, err := report.ParseFormat(f.format)
		if err != nil {
			return err
		}
		cfg.Format = fm
	}
	if set("timeout") {
		cfg.Timeout = f.timeout
	}
	return nil
}

// run downloads, parses and ranks one Contents index, then writes the report
// to out.
func run(ctx context.Context, out io.Writer, arch string, cfg config.Config, offline bool) error {
	// Progress lines would corrupt machine-readable output.
	var progress *report.Progress
	if cfg.Format == report.FormatTable {
		progress = report.NewProgress(out)
	}

	progress.Step("Initial setup")
	src := cfg.Source(arch)
	path := filepath.Join(cfg.Dir, src.Filename())
	progress.OK()

	if offline {
		slog.Info("offline mode, reusing local index", "path", path)
	} else {
		progress.Step("Downloading %s", report.Warning(src.Filename()))
		res, err := mirror.Fetch(ctx, src, cfg.FetchOptions())
		if err != nil {
			progress.Failed()
			return err
		}
		progress.OK(humanize.Bytes(uint64(res.Size)))
		path = res.Path
	}

	progress.Step("Parsing")
	rc, err := contents.Open(path)
	if err != nil {
		progress.Failed()
		return err
	}
	defer rc.Close()

	policy := contents.Skip
	if cfg.Strict {
		policy = contents.FailFast
	}
	counts, stats, err := contents.Count(rc, policy)
	if err != nil {
		progress.Failed()
		return err
	}
	if stats.Skipped > 0 {
		slog.Warn("skipped malformed lines", "count", stats.Skipped, "path", path)
	}
	progress.OK(fmt.Sprintf("%s lines, %s packages",
		humanize.Comma(int64(stats.Lines)), humanize.Comma(int64(len(counts)))))

	progress.Step("Analyzing data")
	top := contents.Top(cfg.Top, counts)
	progress.OK()

	return report.Write(out, cfg.Format, top)
}
