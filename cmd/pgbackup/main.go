// Command pgbackup copies, verifies, and archives database files through
// the online backup engine. It also serves live backup progress over
// WebSocket for long-running copies.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/pagecache/core/backup"
	errs "github.com/FocuswithJustin/pagecache/core/errors"
	"github.com/FocuswithJustin/pagecache/core/pager"
	"github.com/FocuswithJustin/pagecache/core/pcache"
	"github.com/FocuswithJustin/pagecache/internal/archive"
	"github.com/FocuswithJustin/pagecache/internal/checksum"
	"github.com/FocuswithJustin/pagecache/internal/logging"
	"github.com/FocuswithJustin/pagecache/internal/progress"
)

const version = "0.1.0"

// CLI defines the command-line interface for pgbackup.
var CLI struct {
	// Global flags
	LogLevel  string `name:"log-level" help:"Log level" enum:"debug,info,warn,error" default:"warn"`
	LogFormat string `name:"log-format" help:"Log output format" enum:"text,json" default:"text"`

	Backup   BackupCmd     `cmd:"" help:"Copy a database to a new file with an online backup session"`
	Verify   VerifyCmd     `cmd:"" help:"Compare two database files page by page"`
	Manifest ManifestGroup `cmd:"" help:"Per-page checksum manifests"`
	Snapshot SnapshotCmd   `cmd:"" help:"Back up a database into a compressed snapshot archive"`
	Restore  RestoreCmd    `cmd:"" help:"Extract a database from a snapshot archive"`
	Stats    StatsCmd      `cmd:"" help:"Print database header and page cache statistics"`
	Serve    ServeCmd      `cmd:"" help:"Run a backup while serving progress over WebSocket"`
	Version  VersionCmd    `cmd:"" help:"Print version information"`
}

func initLogging() {
	level := logging.LevelWarn
	switch CLI.LogLevel {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "error":
		level = logging.LevelError
	}
	format := logging.FormatText
	if CLI.LogFormat == "json" {
		format = logging.FormatJSON
	}
	logging.InitLogger(level, format)
}

// BackupCmd copies a source database into a destination file.
type BackupCmd struct {
	Src        string        `arg:"" help:"Source database" type:"existingfile"`
	Dest       string        `arg:"" help:"Destination database" type:"path"`
	StepPages  int           `name:"pages-per-step" help:"Pages copied per step" default:"64"`
	Backoff    time.Duration `help:"Pause before retrying a busy source or destination" default:"10ms"`
	CachePages int           `help:"Soft resident-page limit for each pager's cache"`
	MaxPage    int           `help:"Hard page ceiling for the shared cache registry"`
	Manifest   bool          `help:"Write <dest>.manifest.json after the copy"`
	Compress   bool          `help:"Write <dest>.snapshot.tar.xz after the copy"`
	Verify     bool          `help:"Compare destination against source after the copy"`
	JSON       bool          `help:"Emit the final report as JSON"`
}

type backupReport struct {
	Source   string `json:"source"`
	Dest     string `json:"dest"`
	Pages    int    `json:"pages"`
	Bytes    uint64 `json:"bytes"`
	Duration string `json:"duration"`
	Verified bool   `json:"verified,omitempty"`
	Manifest string `json:"manifest,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
}

func (c *BackupCmd) Run() error {
	reg := pcache.NewRegistry(pcache.Config{Threadsafe: true, MaxPage: c.MaxPage})
	defer reg.Close()

	src, err := pager.Open(c.Src, pager.Options{
		ReadOnly:  true,
		Registry:  reg,
		CacheSize: c.CachePages,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := pager.Open(c.Dest, pager.Options{
		PageSize:  src.PageSize(),
		Registry:  reg,
		CacheSize: c.CachePages,
	})
	if err != nil {
		return err
	}
	defer dest.Close()

	s, err := backup.NewSession(src, dest)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := stepUntilDone(s, c.StepPages, c.Backoff, nil); err != nil {
		s.Finish()
		return err
	}
	if err := s.Finish(); err != nil {
		return err
	}

	report := backupReport{
		Source:   c.Src,
		Dest:     c.Dest,
		Pages:    s.Pagecount(),
		Bytes:    uint64(s.Pagecount()) * uint64(src.PageSize()),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}

	if c.Verify {
		bad, _, err := comparePages(c.Src, c.Dest)
		if err != nil {
			return err
		}
		if len(bad) > 0 {
			return fmt.Errorf("verification failed: %d pages differ (first: page %d)", len(bad), bad[0])
		}
		report.Verified = true
	}
	if c.Manifest {
		m, err := checksum.ManifestForFile(c.Dest, src.PageSize())
		if err != nil {
			return err
		}
		mPath := c.Dest + ".manifest.json"
		if err := m.Write(mPath); err != nil {
			return err
		}
		report.Manifest = mPath
	}
	if c.Compress {
		aPath := c.Dest + ".snapshot.tar.xz"
		info := archive.Info{
			SessionID: s.ID(),
			Source:    c.Src,
			PageSize:  src.PageSize(),
			PageCount: s.Pagecount(),
		}
		if err := archive.WriteSnapshot(aPath, info, c.Dest, nil); err != nil {
			return err
		}
		report.Snapshot = aPath
	}

	if c.JSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("Copied %d pages (%s) in %s\n",
		report.Pages, humanize.Bytes(report.Bytes), report.Duration)
	if report.Verified {
		fmt.Println("Verified: destination matches source")
	}
	if report.Manifest != "" {
		fmt.Printf("Manifest written to %s\n", report.Manifest)
	}
	if report.Snapshot != "" {
		fmt.Printf("Snapshot written to %s\n", report.Snapshot)
	}
	return nil
}

// stepUntilDone drives a session to completion, retrying briefly when the
// source or destination is busy. report, when non-nil, sees every step.
func stepUntilDone(s *backup.Session, stepPages int, backoff time.Duration, report func(copied, remaining, pagecount int)) error {
	busyRetries := 0
	prevRemaining := -1
	for {
		err := s.Step(stepPages)
		if report != nil {
			copied := s.Pagecount() - s.Remaining()
			if prevRemaining >= 0 {
				copied = prevRemaining - s.Remaining()
			}
			report(copied, s.Remaining(), s.Pagecount())
			prevRemaining = s.Remaining()
		}
		switch {
		case errors.Is(err, errs.ErrDone):
			return nil
		case errors.Is(err, errs.ErrBusy) || errors.Is(err, errs.ErrLocked):
			busyRetries++
			if busyRetries > 100 {
				return err
			}
			time.Sleep(backoff)
		case err != nil:
			return err
		default:
			busyRetries = 0
		}
	}
}

// VerifyCmd compares two database files page by page over BLAKE3 digests.
// The lock-region page and the header fields a backup legitimately rewrites
// are excluded from the comparison.
type VerifyCmd struct {
	Src  string `arg:"" help:"Source database" type:"existingfile"`
	Dest string `arg:"" help:"Destination database" type:"existingfile"`
}

func (c *VerifyCmd) Run() error {
	bad, total, err := comparePages(c.Src, c.Dest)
	if err != nil {
		return err
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d of %d pages differ (first: page %d)", len(bad), total, bad[0])
	}
	fmt.Printf("OK: %d pages match\n", total)
	return nil
}

// volatileHeaderSpans are the page 1 byte ranges rewritten on every commit:
// the change counter, the schema cookie, and the version stamps.
var volatileHeaderSpans = [][2]int{{24, 28}, {40, 44}, {92, 100}}

// comparePages digests each source page and the destination bytes at the
// same offsets, reporting mismatched source page numbers. The source's
// page size drives the walk, so a destination copied to a different page
// size still compares byte for byte.
func comparePages(srcPath, destPath string) (bad []pager.Pgno, total int, err error) {
	src, err := pager.Open(srcPath, pager.Options{ReadOnly: true})
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()
	dest, err := os.Open(destPath)
	if err != nil {
		return nil, 0, err
	}
	defer dest.Close()

	pageSize := src.PageSize()
	lockPage := src.PendingBytePage(pageSize)
	srcBuf := make([]byte, pageSize)
	destBuf := make([]byte, pageSize)
	nPages := int(src.PageCount())
	for pgno := pager.Pgno(1); int(pgno) <= nPages; pgno++ {
		if pgno == lockPage {
			continue
		}
		off := int64(pgno-1) * int64(pageSize)
		if err := src.ReadRaw(off, srcBuf); err != nil {
			return nil, 0, err
		}
		n, err := dest.ReadAt(destBuf, off)
		if err != nil && err != io.EOF {
			return nil, 0, err
		}
		for i := n; i < len(destBuf); i++ {
			destBuf[i] = 0
		}
		if pgno == 1 {
			for _, span := range volatileHeaderSpans {
				for i := span[0]; i < span[1]; i++ {
					srcBuf[i] = 0
					destBuf[i] = 0
				}
			}
		}
		total++
		if checksum.Digest(srcBuf) != checksum.Digest(destBuf) {
			bad = append(bad, pgno)
		}
	}
	return bad, total, nil
}

// ManifestGroup holds the checksum manifest subcommands.
type ManifestGroup struct {
	Write ManifestWriteCmd `cmd:"" help:"Write a per-page checksum manifest for a database"`
	Check ManifestCheckCmd `cmd:"" help:"Check a database against a checksum manifest"`
}

// ManifestWriteCmd writes a checksum manifest for a database file.
type ManifestWriteCmd struct {
	Db  string `arg:"" help:"Database file" type:"existingfile"`
	Out string `help:"Manifest path (default: <db>.manifest.json)" type:"path"`
}

func (c *ManifestWriteCmd) Run() error {
	p, err := pager.Open(c.Db, pager.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	pageSize := p.PageSize()
	p.Close()

	m, err := checksum.ManifestForFile(c.Db, pageSize)
	if err != nil {
		return err
	}
	out := c.Out
	if out == "" {
		out = c.Db + ".manifest.json"
	}
	if err := m.Write(out); err != nil {
		return err
	}
	fmt.Printf("Manifest for %d pages written to %s\n", m.PageCount, out)
	return nil
}

// ManifestCheckCmd checks a database against a manifest.
type ManifestCheckCmd struct {
	Db       string `arg:"" help:"Database file" type:"existingfile"`
	Manifest string `arg:"" help:"Manifest file" type:"existingfile"`
}

func (c *ManifestCheckCmd) Run() error {
	m, err := checksum.ReadManifest(c.Manifest)
	if err != nil {
		return err
	}
	bad, err := m.Verify(c.Db)
	if err != nil {
		return err
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d of %d pages differ (first: page %d)", len(bad), m.PageCount, bad[0])
	}
	fmt.Printf("OK: %d pages verified\n", m.PageCount)
	return nil
}

// SnapshotCmd backs up a database into a compressed archive.
type SnapshotCmd struct {
	Src string `arg:"" help:"Source database" type:"existingfile"`
	Out string `arg:"" help:"Archive path (.tar.gz or .tar.xz)" type:"path"`
}

func (c *SnapshotCmd) Run() error {
	if !archive.IsSupportedFormat(c.Out) {
		return fmt.Errorf("unsupported archive format: %s", c.Out)
	}
	src, err := pager.Open(c.Src, pager.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer src.Close()

	tmpDir, err := os.MkdirTemp(filepath.Dir(c.Out), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	dbCopy := filepath.Join(tmpDir, filepath.Base(c.Src))
	dest, err := pager.Open(dbCopy, pager.Options{PageSize: src.PageSize()})
	if err != nil {
		return err
	}
	s, err := backup.NewSession(src, dest)
	if err != nil {
		dest.Close()
		return err
	}
	if err := stepUntilDone(s, 256, 10*time.Millisecond, nil); err != nil {
		s.Finish()
		dest.Close()
		return err
	}
	if err := s.Finish(); err != nil {
		dest.Close()
		return err
	}
	if err := dest.Close(); err != nil {
		return err
	}

	m, err := checksum.ManifestForFile(dbCopy, src.PageSize())
	if err != nil {
		return err
	}
	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	info := archive.Info{
		SessionID: s.ID(),
		Source:    c.Src,
		PageSize:  src.PageSize(),
		PageCount: s.Pagecount(),
		Checksum:  m.File,
	}
	if err := archive.WriteSnapshot(c.Out, info, dbCopy, manifestData); err != nil {
		return err
	}

	fi, err := os.Stat(c.Out)
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot of %d pages written to %s (%s)\n",
		s.Pagecount(), c.Out, humanize.Bytes(uint64(fi.Size())))
	return nil
}

// RestoreCmd extracts a database from a snapshot archive.
type RestoreCmd struct {
	Archive string `arg:"" help:"Snapshot archive" type:"existingfile"`
	Out     string `arg:"" help:"Destination database path" type:"path"`
	Verify  bool   `help:"Verify the extracted file against the embedded manifest" default:"true" negatable:""`
}

func (c *RestoreCmd) Run() error {
	info, err := archive.ReadInfo(c.Archive)
	if err != nil {
		return err
	}
	if err := archive.ExtractDatabase(c.Archive, c.Out); err != nil {
		return err
	}
	if c.Verify {
		data, err := archive.ReadFile(c.Archive, archive.ManifestFileName)
		if err == nil {
			var m checksum.Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse embedded manifest: %w", err)
			}
			bad, err := m.Verify(c.Out)
			if err != nil {
				return err
			}
			if len(bad) > 0 {
				return fmt.Errorf("restored file fails verification: %d pages differ", len(bad))
			}
		}
	}
	fmt.Printf("Restored %d pages from session %s to %s\n",
		info.PageCount, info.SessionID, c.Out)
	return nil
}

// StatsCmd prints header fields and page cache statistics.
type StatsCmd struct {
	Db   string `arg:"" help:"Database file" type:"existingfile"`
	Warm bool   `help:"Read every page through the cache before reporting"`
	JSON bool   `help:"Emit statistics as JSON"`
}

type statsReport struct {
	Path          string `json:"path"`
	FileSize      int64  `json:"file_size"`
	PageSize      int    `json:"page_size"`
	PageCount     uint32 `json:"page_count"`
	ChangeCounter uint32 `json:"change_counter"`
	SchemaCookie  uint32 `json:"schema_cookie"`
	CachedPages   int    `json:"cached_pages"`
	Recyclable    int    `json:"recyclable_pages"`
}

func (c *StatsCmd) Run() error {
	p, err := pager.Open(c.Db, pager.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer p.Close()

	if c.Warm {
		if err := p.BeginRead(); err != nil {
			return err
		}
		lockPage := p.PendingBytePage(p.PageSize())
		for pgno := pager.Pgno(1); pgno <= p.PageCount(); pgno++ {
			if pgno == lockPage {
				continue
			}
			pg, err := p.Get(pgno)
			if err != nil {
				p.EndRead()
				return err
			}
			p.Unref(pg)
		}
		p.EndRead()
	}

	size, err := p.FileSize()
	if err != nil {
		return err
	}
	cs := p.CacheStats()
	report := statsReport{
		Path:          p.Path(),
		FileSize:      size,
		PageSize:      p.PageSize(),
		PageCount:     uint32(p.PageCount()),
		ChangeCounter: p.ChangeCounter(),
		SchemaCookie:  p.SchemaCookie(),
		CachedPages:   cs.TotalPages,
		Recyclable:    cs.RecyclablePages,
	}
	if c.JSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("Path:           %s\n", report.Path)
	fmt.Printf("File size:      %s (%d bytes)\n", humanize.Bytes(uint64(size)), size)
	fmt.Printf("Page size:      %d\n", report.PageSize)
	fmt.Printf("Page count:     %d\n", report.PageCount)
	fmt.Printf("Change counter: %d\n", report.ChangeCounter)
	fmt.Printf("Schema cookie:  %d\n", report.SchemaCookie)
	fmt.Printf("Cached pages:   %d (%d recyclable)\n", report.CachedPages, report.Recyclable)
	return nil
}

// ServeCmd runs a backup while broadcasting progress over WebSocket.
type ServeCmd struct {
	Src       string        `arg:"" help:"Source database" type:"existingfile"`
	Dest      string        `arg:"" help:"Destination database" type:"path"`
	Addr      string        `help:"Listen address for the progress endpoint" default:":8090"`
	StepPages int           `name:"pages-per-step" help:"Pages copied per step" default:"16"`
	Interval  time.Duration `help:"Pause between steps" default:"100ms"`
	Linger    time.Duration `help:"How long to keep serving after the backup ends" default:"2s"`
}

func (c *ServeCmd) Run() error {
	hub := progress.NewHub()
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	srv := &http.Server{Addr: c.Addr, Handler: mux}

	g, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logging.ServerStartup("progress", c.Addr, "endpoint", "/ws")
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer cancel()
		err := c.runBackup(hub)
		time.Sleep(c.Linger)
		return err
	})
	return g.Wait()
}

func (c *ServeCmd) runBackup(hub *progress.Hub) error {
	src, err := pager.Open(c.Src, pager.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := pager.Open(c.Dest, pager.Options{PageSize: src.PageSize()})
	if err != nil {
		return err
	}
	defer dest.Close()

	s, err := backup.NewSession(src, dest)
	if err != nil {
		return err
	}
	err = stepUntilDone(s, c.StepPages, 10*time.Millisecond, func(copied, remaining, pagecount int) {
		hub.Step(s.ID(), copied, remaining, pagecount)
		time.Sleep(c.Interval)
	})
	if err != nil {
		hub.Error(s.ID(), err.Error())
		s.Finish()
		return err
	}
	if err := s.Finish(); err != nil {
		hub.Error(s.ID(), err.Error())
		return err
	}
	hub.Complete(s.ID(), s.Pagecount(),
		fmt.Sprintf("copied %d pages to %s", s.Pagecount(), c.Dest))
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("pgbackup version %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pgbackup"),
		kong.Description("Online backup tooling for SQLite-format database files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	initLogging()
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
