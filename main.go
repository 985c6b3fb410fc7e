package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/whisper-darkly/sticky-capture/console"
	"github.com/whisper-darkly/sticky-capture/cookies"
	_ "github.com/whisper-darkly/sticky-capture/driver" // register drivers
	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/manager"
	"github.com/whisper-darkly/sticky-capture/recorder"
	"github.com/whisper-darkly/sticky-capture/stream"
	"github.com/whisper-darkly/sticky-capture/units"
	"github.com/whisper-darkly/sticky-capture/writer"
)

// Set via ldflags at build time: -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// .env is read before flags so its values act as STICKY_* defaults.
	// Variables already set in the environment win.
	envFile := envFileArg(os.Args[1:])
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file %s: %v\n", envFile, err)
		os.Exit(1)
	}

	// CLI flags: --long-name / -s shorthand
	flag.String("env-file", ".env", "Environment file with STICKY_* settings")
	driverName := flag.StringP("driver", "d", envOrDefault("STICKY_DRIVER", ""), "Driver name (empty = pick by URL host)")
	listPath := flag.StringP("list", "l", envOrDefault("STICKY_LIST", "list.txt"), "Task list file (<url>|<0|1> per line)")
	startAll := flag.BoolP("start", "s", os.Getenv("STICKY_START") != "", "Start every stream from the task list on launch")
	headless := flag.Bool("headless", os.Getenv("STICKY_HEADLESS") != "", "No console; run until interrupted")
	cookieArg := flag.StringP("cookies", "c", envOrDefault("STICKY_COOKIES", ""), "HTTP cookies (key=value; key2=value2, or file://path)")
	userAgent := flag.StringP("user-agent", "a", envOrDefault("STICKY_USER_AGENT", ""), "Custom User-Agent header")
	outRoot := flag.StringP("out", "o", envOrDefault("STICKY_OUT", "Downloads"), "Output root directory")
	outPattern := flag.String("out-pattern", envOrDefault("STICKY_OUT_PATTERN", recorder.DefaultOutPattern), "Epoch folder template, relative to --out")
	logPath := flag.String("log", envOrDefault("STICKY_LOG", ""), "Also write log lines to this file")
	logLevel := flag.String("log-level", envOrDefault("STICKY_LOG_LEVEL", "info"), "Log level: debug, info, warn, error, fatal")
	outputFormat := flag.String("output-format", envOrDefault("STICKY_OUTPUT_FORMAT", "normal"), "Output format: normal, json")
	ffmpegPath := flag.String("ffmpeg", envOrDefault("STICKY_FFMPEG", "ffmpeg"), "ffmpeg binary")
	container := flag.String("container", envOrDefault("STICKY_CONTAINER", "mkv"), "Output container extension")
	checkMode := flag.String("check", envOrDefault("STICKY_CHECK", "ffmpeg"), "Segment corruption check: ffmpeg, probe, off")
	scratchDir := flag.String("scratch-dir", envOrDefault("STICKY_SCRATCH_DIR", ""), "Where segments are staged for checking (default: system temp)")
	segmentExt := flag.String("segment-ext", envOrDefault("STICKY_SEGMENT_EXT", stream.DefaultSegmentExt), "Media segment extension")
	pageTimeout := flag.String("page-timeout", "", "Page and playlist request timeout (default 15s)")
	segmentTimeout := flag.String("segment-timeout", "", "Segment request timeout (default 10s)")
	pollInterval := flag.String("poll-interval", "", "Wait after a segment is not ready (default 1s)")
	stallTimeout := flag.String("stall-timeout", "", "Give up on the live edge after this long without a segment (default 30s)")
	retryDelay := flag.String("retry-delay", "", "Delay between retry attempts (default 5s)")
	retryJitter := flag.String("retry-jitter", "", "Max random jitter added to each retry delay (0=disabled, e.g. 2s)")
	maxRetries := flag.String("max-retries", "", "Failed attempts before a stream ends (default 5)")
	rateLimit := flag.String("rate-limit", "", "Max HTTP requests per second per stream (0=unlimited)")

	showVersion := flag.BoolP("version", "V", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sticky-capture %s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [url...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Capture HLS live streams. URLs given as arguments are added on launch.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nDurations: hh:mm:ss | 1m30s | plain seconds.\n")
	}

	flag.Parse()

	if *showVersion {
		fmt.Println("sticky-capture", version)
		os.Exit(0)
	}

	// Create logger early so all validation messages use it
	log := logger.New(logger.ParseLevel(*logLevel))
	log.SetFormat(logger.ParseFormat(*outputFormat))
	if *logPath != "" {
		if err := os.MkdirAll(filepath.Dir(*logPath), 0o755); err != nil {
			log.Fatal("log directory: %v", err)
		}
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal("log file: %v", err)
		}
		defer f.Close()
		log.SetFile(f)
	}

	var drv stream.Driver
	if *driverName != "" {
		d, err := stream.Get(normalizeDriverName(*driverName))
		if err != nil {
			log.Fatal("%v", err)
		}
		drv = d
	}

	check, err := writer.ParseCheckMode(*checkMode)
	if err != nil {
		log.Fatal("%v", err)
	}
	if _, err := recorder.NewFolderTemplate(*outRoot, *outPattern); err != nil {
		log.Fatal("%v", err)
	}

	// Handle graceful shutdown (before cookie pool init, which may start goroutines)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn("received %v, shutting down...", sig)
		cancel()
	}()

	cookiePool, err := initCookiePool(ctx, *cookieArg, log)
	if err != nil {
		log.Fatal("cookie pool: %v", err)
	}

	cfg := recorder.Config{
		Driver: drv,
		HTTP: stream.HTTPConfig{
			UserAgent: *userAgent,
			Timeout:   durationVal(*pageTimeout, "STICKY_PAGE_TIMEOUT", 15*time.Second, log),
			RateLimit: intVal(*rateLimit, "STICKY_RATE_LIMIT", 0, log),
		},
		CookiePool:     cookiePool,
		SegmentTimeout: durationVal(*segmentTimeout, "STICKY_SEGMENT_TIMEOUT", 10*time.Second, log),
		PollInterval:   durationVal(*pollInterval, "STICKY_POLL_INTERVAL", time.Second, log),
		StallTimeout:   durationVal(*stallTimeout, "STICKY_STALL_TIMEOUT", 30*time.Second, log),
		RetryDelay:     durationVal(*retryDelay, "STICKY_RETRY_DELAY", 5*time.Second, log),
		RetryJitter:    durationVal(*retryJitter, "STICKY_RETRY_JITTER", 0, log),
		MaxRetries:     intVal(*maxRetries, "STICKY_MAX_RETRIES", 5, log),
		OutRoot:        *outRoot,
		OutPattern:     *outPattern,
		SegmentExt:     *segmentExt,
		Writer: writer.Config{
			FFmpegPath:   *ffmpegPath,
			ContainerExt: *container,
			SegmentExt:   *segmentExt,
			Check:        check,
			ScratchDir:   *scratchDir,
		},
		Log: log,
	}

	mgr := manager.New(ctx, cfg, *listPath)
	go mgr.Run(ctx)

	if err := mgr.Load(); err != nil {
		log.Error("%v", err)
	}
	if *startAll {
		log.Info("started %d streams", mgr.StartAll())
	}
	for _, u := range flag.Args() {
		if _, err := mgr.Add(u); err != nil {
			log.Warn("add %s: %v", u, err)
		}
	}

	if *headless {
		<-ctx.Done()
	} else {
		if err := console.New(mgr, os.Stdout).Run(ctx, os.Stdin); err != nil {
			log.Error("console: %v", err)
		}
	}

	// Writers finalize their containers on close; give them time.
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := mgr.Shutdown(sctx); err != nil {
		log.Warn("shutdown: %v", err)
	}
}

func initCookiePool(ctx context.Context, raw string, log *logger.Logger) (*cookies.Pool, error) {
	if raw == "" {
		return cookies.NewPool(nil), nil
	}

	cfg := cookies.SourceConfig{
		JSONMode: os.Getenv("STICKY_COOKIES_JSON") != "",
	}

	if v := os.Getenv("STICKY_COOKIES_REFRESH"); v != "" {
		d, err := units.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STICKY_COOKIES_REFRESH: %w", err)
		}
		cfg.RefreshInterval = d
	}

	src := cookies.NewSource(raw, cfg)
	initial, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("load cookies: %w", err)
	}

	pool := cookies.NewPool(initial)
	src.StartRefresh(ctx, pool, log)
	return pool, nil
}

// envFileArg finds --env-file before pflag runs, since the file feeds the
// flag defaults.
func envFileArg(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--env-file="); ok {
			return v
		}
		if a == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ".env"
}

func normalizeDriverName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cb", "ctb", "chaturbate":
		return "chaturbate"
	default:
		return strings.ToLower(name)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// durationVal resolves a duration: CLI value > env var > default.
func durationVal(cliVal, envKey string, def time.Duration, log *logger.Logger) time.Duration {
	if cliVal != "" {
		d, err := units.ParseDuration(cliVal)
		if err != nil {
			log.Fatal("invalid duration for %s: %v", envKey, err)
		}
		return d
	}
	if v := os.Getenv(envKey); v != "" {
		d, err := units.ParseDuration(v)
		if err != nil {
			log.Fatal("invalid duration in %s: %v", envKey, err)
		}
		return d
	}
	return def
}

// intVal resolves an integer: CLI value > env var > default.
func intVal(cliVal, envKey string, def int, log *logger.Logger) int {
	v := cliVal
	if v == "" {
		v = os.Getenv(envKey)
	}
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Fatal("invalid value for %s: %q", envKey, v)
	}
	return n
}
