// Command oopsie-engine is the headless recovery engine: scans drives or
// raw device regions for deleted files, archives the results, and
// materializes selected candidates without touching the source.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/reshdesu/oopsie-daisy/internal/assemble"
	"github.com/reshdesu/oopsie-daisy/internal/catalog"
	"github.com/reshdesu/oopsie-daisy/internal/core/logging"
	"github.com/reshdesu/oopsie-daisy/internal/core/otelinit"
	"github.com/reshdesu/oopsie-daisy/internal/device"
	"github.com/reshdesu/oopsie-daisy/internal/export"
	"github.com/reshdesu/oopsie-daisy/internal/restore"
	"github.com/reshdesu/oopsie-daisy/internal/scan"
	"github.com/reshdesu/oopsie-daisy/internal/selfcheck"
	"github.com/reshdesu/oopsie-daisy/internal/store"
)

var (
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorRed    = color.New(color.FgRed, color.Bold)
	colorYellow = color.New(color.FgYellow)
)

var (
	flagCatalogDir string
	flagDB         string

	flagTargets   []string
	flagDevice    string
	flagStart     int64
	flagEnd       int64
	flagMode      string
	flagChunkSize int64
	flagWorkers   int
	flagOrder     string

	flagSession string
	flagDest    string
	flagMinConf float64
	flagIDs     []string

	flagLimit int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		colorRed.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "oopsie-engine",
	Short:         "Signature-based recovery engine for deleted files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	viper.SetEnvPrefix("OOPSIE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.PersistentFlags().StringVar(&flagCatalogDir, "catalog-dir", "", "directory of signature JSON files overriding the built-in catalog")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "session archive database path")
	viper.BindPFlag("catalog_dir", rootCmd.PersistentFlags().Lookup("catalog-dir"))
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))

	scanCmd.Flags().StringSliceVar(&flagTargets, "target", nil, "file or directory to scan (repeatable)")
	scanCmd.Flags().StringVar(&flagDevice, "device", "", "raw device path for deep scans")
	scanCmd.Flags().Int64Var(&flagStart, "start", 0, "device region start offset")
	scanCmd.Flags().Int64Var(&flagEnd, "end", 0, "device region end offset (0 = device end)")
	scanCmd.Flags().StringVar(&flagMode, "mode", "quick", "scan mode: quick or deep")
	scanCmd.Flags().Int64Var(&flagChunkSize, "chunk-size", 0, "chunk size in bytes (0 = default)")
	scanCmd.Flags().IntVar(&flagWorkers, "workers", 0, "scan workers (0 = all CPUs)")
	scanCmd.Flags().StringVar(&flagOrder, "order", "offset", "candidate order: offset or confidence")

	recoverCmd.Flags().StringVar(&flagSession, "session", "", "archived session ID to recover from")
	recoverCmd.Flags().StringVar(&flagDest, "dest", "", "destination directory (must differ from the source)")
	recoverCmd.Flags().Float64Var(&flagMinConf, "min-confidence", 0.5, "skip candidates below this confidence")
	recoverCmd.Flags().StringSliceVar(&flagIDs, "id", nil, "recover only these candidate IDs (repeatable)")
	recoverCmd.MarkFlagRequired("session")
	recoverCmd.MarkFlagRequired("dest")

	sessionsCmd.Flags().IntVar(&flagLimit, "limit", 10, "most recent sessions to list (0 = all)")

	rootCmd.AddCommand(scanCmd, recoverCmd, sessionsCmd, drivesCmd, signaturesCmd, selfcheckCmd)
}

// setup wires logging and telemetry; the returned function flushes both.
func setup(ctx context.Context) (*slog.Logger, func()) {
	logger := logging.Init("oopsie-engine")
	traceShutdown := otelinit.InitTracer(ctx, "oopsie-engine")
	metricShutdown := otelinit.InitMetrics(ctx, "oopsie-engine")
	return logger, func() {
		otelinit.Flush(ctx, traceShutdown)
		otelinit.Flush(ctx, metricShutdown)
	}
}

func loadCatalog() (*catalog.Catalog, error) {
	dir := viper.GetString("catalog_dir")
	if dir == "" {
		return catalog.Builtin(), nil
	}
	return catalog.LoadDir(dir)
}

func openArchive() (*store.Store, error) {
	path := viper.GetString("db")
	if path == "" {
		return nil, nil
	}
	return store.Open(path, otel.Meter("oopsie-daisy"))
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan targets for recoverable files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger, flush := setup(ctx)
		defer flush()

		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		targets, mode, err := buildTargets()
		if err != nil {
			return err
		}

		archive, err := openArchive()
		if err != nil {
			return err
		}
		var archiver scan.Archiver
		if archive != nil {
			defer archive.Close()
			archiver = archive
		}

		engine := scan.NewEngine(cat, logger, otel.Meter("oopsie-daisy"), archiver, scan.Options{
			ChunkSize: flagChunkSize,
			Workers:   flagWorkers,
		})
		session, err := engine.Start(ctx, mode, targets)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session %s: scanning %d target(s)\n", session.ID, len(targets))

		// Cancel cooperatively on interrupt, then let the session drain.
		go func() {
			<-ctx.Done()
			session.Cancel()
		}()

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		done := make(chan error, 1)
		go func() { done <- session.Wait() }()
		for {
			select {
			case <-ticker.C:
				scanned, total := session.Progress()
				if total > 0 {
					fmt.Fprintf(os.Stderr, "  %5.1f%%  (%d / %d bytes)\n",
						100*float64(scanned)/float64(total), scanned, total)
				}
			case err := <-done:
				if err != nil {
					return err
				}
				return printResults(session)
			}
		}
	},
}

func buildTargets() ([]device.Target, scan.Mode, error) {
	switch scan.Mode(flagMode) {
	case scan.ModeQuick:
		roots := flagTargets
		if len(roots) == 0 {
			roots = device.TrashLocations()
		}
		targets := device.QuickTargets(roots)
		if len(targets) == 0 {
			return nil, scan.ModeQuick, fmt.Errorf("no scannable files under %v", roots)
		}
		return targets, scan.ModeQuick, nil
	case scan.ModeDeep:
		if flagDevice != "" {
			region, err := device.OpenDeviceRegion(flagDevice, flagStart, flagEnd)
			if err != nil {
				return nil, scan.ModeDeep, err
			}
			return []device.Target{region}, scan.ModeDeep, nil
		}
		var targets []device.Target
		for _, path := range flagTargets {
			t, err := device.OpenFile(path)
			if err != nil {
				for _, opened := range targets {
					opened.Close()
				}
				return nil, scan.ModeDeep, err
			}
			targets = append(targets, t)
		}
		if len(targets) == 0 {
			return nil, scan.ModeDeep, fmt.Errorf("deep mode needs --device or --target")
		}
		return targets, scan.ModeDeep, nil
	}
	return nil, "", fmt.Errorf("unknown mode %q", flagMode)
}

func printResults(session *scan.Session) error {
	order := assemble.OrderByOffset
	if flagOrder == "confidence" {
		order = assemble.OrderByConfidence
	}
	cands := session.Candidates(order)
	scanned, total := session.Progress()
	fmt.Fprintf(os.Stderr, "session %s %s: %d candidate(s), %d gap(s), %d/%d bytes in %s\n",
		session.ID, session.State(), len(cands), len(session.Gaps()), scanned, total,
		session.Elapsed().Round(time.Millisecond))
	return export.WriteJSON(os.Stdout, export.FromCandidates(cands, order))
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Materialize candidates from an archived session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger, flush := setup(ctx)
		defer flush()

		archive, err := openArchive()
		if err != nil {
			return err
		}
		if archive == nil {
			return fmt.Errorf("recover needs --db")
		}
		defer archive.Close()

		sum, err := archive.GetSession(ctx, flagSession)
		if err != nil {
			return err
		}

		wanted := make(map[string]bool, len(flagIDs))
		for _, id := range flagIDs {
			wanted[id] = true
		}
		perSource := make(map[string][]*assemble.Candidate)
		for i := range sum.Candidates {
			c := &sum.Candidates[i]
			if c.Status != assemble.StatusPending {
				continue
			}
			if len(wanted) > 0 && !wanted[c.ID] {
				continue
			}
			if len(wanted) == 0 && c.Confidence < flagMinConf {
				continue
			}
			perSource[c.Target] = append(perSource[c.Target], c)
		}
		if len(perSource) == 0 {
			return fmt.Errorf("no matching candidates in session %s", flagSession)
		}

		m := restore.New(logger, otel.Meter("oopsie-daisy"), 0)
		recovered, failed := 0, 0
		for source, cands := range perSource {
			target, err := openSource(source)
			if err != nil {
				colorRed.Fprintf(os.Stderr, "source %s: %v\n", source, err)
				failed += len(cands)
				continue
			}
			job, err := m.Recover(ctx, target, cands, flagDest)
			target.Close()
			if err != nil {
				return err
			}
			for _, o := range job.Outcomes {
				if o.Error != "" {
					failed++
					colorYellow.Fprintf(os.Stderr, "  %s: %s\n", o.CandidateID, o.Error)
					continue
				}
				recovered++
				fmt.Printf("%s  %s (%d bytes)\n", o.CandidateID, o.Path, o.BytesWritten)
			}
		}

		// The archive keeps the updated candidate states.
		if err := archive.ArchiveSession(ctx, sum); err != nil {
			return err
		}
		if failed > 0 {
			colorYellow.Fprintf(os.Stderr, "recovered %d, failed %d\n", recovered, failed)
		} else {
			colorGreen.Fprintf(os.Stderr, "recovered %d candidate(s)\n", recovered)
		}
		return nil
	},
}

// regionName matches the "path[start:end]" form device regions record as
// their target name.
var regionName = regexp.MustCompile(`^(.*)\[(\d+):(\d+)\]$`)

func openSource(name string) (device.Target, error) {
	if m := regionName.FindStringSubmatch(name); m != nil {
		start, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return nil, err
		}
		return device.OpenDeviceRegion(m[1], start, end)
	}
	return device.OpenFile(name)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived scan sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, flush := setup(cmd.Context())
		defer flush()
		archive, err := openArchive()
		if err != nil {
			return err
		}
		if archive == nil {
			return fmt.Errorf("sessions needs --db")
		}
		defer archive.Close()

		sums, err := archive.ListSessions(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
		for _, s := range sums {
			fmt.Printf("%-16s %-6s %-10s %s  %d candidate(s), %d/%d bytes\n",
				s.ID, s.Mode, s.State, s.StartedAt.Local().Format("2006-01-02 15:04:05"),
				len(s.Candidates), s.ScannedBytes, s.TotalBytes)
		}
		return nil
	},
}

var drivesCmd = &cobra.Command{
	Use:   "drives",
	Short: "List mounted drives and trash locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, flush := setup(cmd.Context())
		defer flush()
		drives, err := device.ListDrives(cmd.Context())
		if err != nil {
			return err
		}
		for _, d := range drives {
			fmt.Printf("%-24s %-20s %-8s %6.1f GB total, %6.1f GB free\n",
				d.Device, d.Mountpoint, d.Fstype,
				float64(d.Total)/1e9, float64(d.Free)/1e9)
		}
		locations := device.TrashLocations()
		if len(locations) > 0 {
			fmt.Println("\ntrash locations:")
			for _, l := range locations {
				fmt.Printf("  %s\n", l)
			}
		}
		return nil
	},
}

var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "List the signature catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, flush := setup(cmd.Context())
		defer flush()
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		fmt.Printf("catalog %s, %d signature(s)\n", cat.Version(), cat.Len())
		for _, sig := range cat.Signatures() {
			footer := "-"
			if len(sig.Footer) > 0 {
				footer = fmt.Sprintf("%d bytes", len(sig.Footer))
			}
			fmt.Printf("%-8s %-24s header %2d bytes, footer %-9s max %d MB\n",
				sig.ID, sig.Category, len(sig.Header), footer, sig.MaxSize>>20)
		}
		return nil
	},
}

var selfcheckCmd = &cobra.Command{
	Use:   "selfcheck",
	Short: "Verify the pipeline against a synthetic image",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, flush := setup(cmd.Context())
		defer flush()
		rep, err := selfcheck.Run(cmd.Context(), logger)
		fmt.Printf("catalog %s (%d signatures), cpu %d / accelerated %d hits, scan %s in %s\n",
			rep.CatalogVersion, rep.Signatures, rep.CPUMatches, rep.GPUMatches,
			rep.ScanState, rep.Elapsed.Round(time.Millisecond))
		for _, c := range rep.Candidates {
			fmt.Printf("  %-12s %-12s offset %-10d %.2f (%s)\n", c.ID, c.Category, c.Offset, c.Confidence, c.Band)
		}
		if err != nil {
			colorRed.Println("FAIL:", err)
			return err
		}
		colorGreen.Println("PASS")
		return nil
	},
}
