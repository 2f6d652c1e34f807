package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/extractor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/web"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	port      int
	quality   int
	outputDir string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Re-encode images at a chosen quality",
	Long: `Image Compressor re-encodes JPEG and PNG images so they take less space.

Features:
- Fits images into a 2000px bounding box
- JPEG quality with a 60% floor
- PNG size reduction by downscaling
- Browser interface with live preview and download
- One-shot compression from the command line`,
	SilenceUsage: true,
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts a web server with a browser interface for compressing images.
The web interface allows you to:
- Upload an image by click or drag and drop
- Adjust quality and compare sizes side by side
- Download the compressed copy

Access the interface at http://localhost:<port> (default: 8080)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Flags().Changed("port"))
	},
}

// compressCmd re-encodes a single file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress a single image file",
	Long: `Re-encodes the given image and writes compressed_<name> next to it,
or into --output when set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args[0], cmd.Flags().Changed("quality"))
	},
}

// infoCmd prints dimensions and metadata for a file.
var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show image dimensions and EXIF metadata",
	Long: `Decodes the given image and prints its type, dimensions, size and EXIF tags.
This is useful for checking why an image comes out rotated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfo(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	compressCmd.Flags().IntVar(&quality, "quality", 80, "quality percent (0-100)")
	compressCmd.Flags().StringVar(&outputDir, "output", "", "output directory (default: next to the input)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(infoCmd)
}

// runServe starts the web server and handles graceful shutdown.
func runServe(portSet bool) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if portSet {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log, newCompressor(cfg, log), extractor.NewEXIFExtractor(log))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if !quiet {
		fmt.Printf("Image Compressor web interface started\n")
		fmt.Printf("Open your browser and go to: http://localhost:%d\n", cfg.Server.Port)
		fmt.Printf("Press Ctrl+C to stop the server\n\n")
	}

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed to start: %w", err)
	case <-sigChan:
	}
	if !quiet {
		fmt.Println("\nShutting down server...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + server.Stats().GetSummary())
		fmt.Println("\n" + server.Stats().GetErrorSummary())
		fmt.Println("Server stopped gracefully")
	}
	return nil
}

// runCompress re-encodes one file and writes the result to disk.
func runCompress(filePath string, qualitySet bool) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !qualitySet {
		quality = cfg.Compression.DefaultQuality
	}
	if quality < 0 || quality > 100 {
		return fmt.Errorf("quality must be between 0 and 100, got %d", quality)
	}

	log := setupLogger(cfg)

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	mimeType := compressor.NormalizeMIME(mimetype.Detect(data).String())
	if !compressor.IsImageMIME(mimeType) {
		return fmt.Errorf("%s is not an image (%s)", filePath, mimeType)
	}

	src, err := compressor.NewSourceImage(filepath.Base(filePath), mimeType, data)
	if err != nil {
		return err
	}

	res, err := newCompressor(cfg, log).Reencode(context.Background(), src, compressor.CompressionRequest{
		Quality: float64(quality) / 100,
	})
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	dir := outputDir
	if dir == "" {
		dir = filepath.Dir(filePath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	target := filepath.Join(dir, web.DownloadName(src.FileName))
	if err := os.WriteFile(target, res.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	logger.WithFile(log, target).WithFields(logrus.Fields{
		"quality": quality,
		"mime":    res.MIMEType,
	}).Debug("Wrote compressed image")

	if !quiet {
		fmt.Printf("Original:   %s (%dx%d, %s)\n", statistics.FormatSize(src.Size()), src.Width, src.Height, src.MIMEType)
		fmt.Printf("Compressed: %s (%dx%d, %s)\n", statistics.FormatSize(res.Size), res.Width, res.Height, res.MIMEType)
		fmt.Printf("Written to: %s\n", target)
	}
	return nil
}

// runInfo prints what the decoder and EXIF reader see for a file.
func runInfo(filePath string) error {
	if !fileExists(filePath) {
		return fmt.Errorf("file does not exist: %s", filePath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	mimeType := compressor.NormalizeMIME(mimetype.Detect(data).String())
	fmt.Printf("File:        %s\n", filePath)
	fmt.Printf("Type:        %s\n", mimeType)
	fmt.Printf("Size:        %s\n", statistics.FormatSize(int64(len(data))))

	src, err := compressor.NewSourceImage(filepath.Base(filePath), mimeType, data)
	if err != nil {
		fmt.Printf("Decode:      %v\n", err)
		return nil
	}
	fmt.Printf("Dimensions:  %dx%d (after orientation)\n", src.Width, src.Height)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	meta, err := extractor.NewEXIFExtractor(log).Extract(data)
	if err != nil || meta.Empty() {
		fmt.Println("No EXIF metadata found")
		return nil
	}

	if meta.Taken != nil {
		fmt.Printf("Taken:       %s (%s)\n", meta.Taken.Format("2006-01-02 15:04:05"), meta.DateSource)
	}
	if meta.Orientation != extractor.OrientationUnknown {
		if meta.Orientation.Rotated() {
			fmt.Printf("Orientation: %s (width and height swapped on decode)\n", meta.Orientation)
		} else {
			fmt.Printf("Orientation: %s\n", meta.Orientation)
		}
	}
	if meta.CameraMake != "" || meta.CameraModel != "" {
		fmt.Printf("Camera:      %s %s\n", meta.CameraMake, meta.CameraModel)
	}
	if meta.Software != "" {
		fmt.Printf("Software:    %s\n", meta.Software)
	}
	return nil
}

func newCompressor(cfg *config.Config, log *logrus.Logger) *compressor.DefaultCompressor {
	return compressor.NewDefaultCompressor(compressor.Options{
		MaxDimension:   cfg.Compression.MaxDimension,
		JPEGMinQuality: cfg.Compression.JPEGMinQuality,
		PNGMinScale:    cfg.Compression.PNGMinScale,
		Workers:        cfg.Performance.WorkerThreads,
	}, log)
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
