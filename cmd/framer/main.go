package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/szxp/framer"
	"github.com/szxp/framer/imagemagick"
	"github.com/szxp/framer/raster"
)

// version will be set while building
var version string

// buildTime will be set while building
var buildTime string

const usage = `usage: framer <command> [flags]

commands:
  serve     run the resize service
  preview   render a preview of every output into a directory
  generate  send the image and outputs to the resize service`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "preview":
		err = runPreview(args)
	case "generate":
		err = runGenerate(args)
	case "-h", "-help", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "framer:", err)
		os.Exit(1)
	}
}

func newLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Output:          os.Stdout,
		Level:           hclog.LevelFromString(level),
		IncludeLocation: true,
	}).With("appVersion", version)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "TOML config file")
	fs.Parse(args)

	conf, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(conf.LogLevel)
	logger.Info("Build info", "time", buildTime)

	err = serve(conf, logger)
	if err != nil {
		logger.Error("Failed to initialize. Exit now", "err", err)
		return err
	}
	logger.Info("Exit normally")
	return nil
}

func newResizer(conf ServerConfig, logger hclog.Logger) (framer.ImageResizer, error) {
	if conf.Resizer == resizerImageMagick {
		ver, err := imagemagick.Version(conf.ConvertBinary)
		if err != nil {
			return nil, fmt.Errorf("imagemagick not available: %w", err)
		}
		logger.Info("ImageMagick", "version", strings.SplitN(ver, "\n", 2)[0])
		return &imagemagick.ImageResizer{Binary: conf.ConvertBinary}, nil
	}
	return &raster.ImageResizer{}, nil
}

func serve(conf *Config, logger hclog.Logger) error {
	resizer, err := newResizer(conf.Server, logger)
	if err != nil {
		return err
	}

	handler, err := framer.NewServer(framer.ServerConfig{
		SourceDir:      conf.Server.SourceDir,
		ThumbnailDir:   conf.Server.ThumbnailDir,
		AllowedExts:    conf.Server.AllowedExts,
		Token:          conf.Server.Token,
		MaxUploadBytes: conf.Server.MaxUploadBytes,
		MaxOutputs:     conf.Server.MaxOutputs,
		Quality:        conf.Server.Quality,
		Resizer:        resizer,
		Logger:         logger.Named("HTTP server"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    conf.Server.HTTPAddr,
		Handler: handler,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Signal received", "sig", sig)

		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("HTTP server Shutdown", "error", err)
		}
		close(idleConnsClosed)
	}()

	logger.Info("Listening", "addr", srv.Addr, "resizer", conf.Server.Resizer)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-idleConnsClosed
	return nil
}

// outputFlags collects repeated -size values.
type outputFlags []framer.OutputSpec

func (o *outputFlags) String() string {
	parts := make([]string, len(*o))
	for i, s := range *o {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func (o *outputFlags) Set(v string) error {
	spec, err := framer.ParseOutputSpec(v)
	if err != nil {
		return err
	}
	*o = append(*o, spec)
	return nil
}

type jobFlags struct {
	configPath string
	in         string
	out        string
	fit        string
	stretch    bool
	sizes      outputFlags
}

func parseJobFlags(name string, args []string) (*jobFlags, *Config, error) {
	f := &jobFlags{}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "", "TOML config file")
	fs.StringVar(&f.in, "in", "", "source image (png, jpeg, webp)")
	fs.StringVar(&f.out, "out", "out", "output directory")
	fs.StringVar(&f.fit, "fit", "", "fit policy when preserving aspect ratio: cover|contain")
	fs.BoolVar(&f.stretch, "stretch", false, "ignore the aspect ratio and stretch to each output")
	fs.Var(&f.sizes, "size", "output as WxH[:png|jpeg|webp], repeatable")
	fs.Parse(args)

	if f.in == "" {
		return nil, nil, fmt.Errorf("usage: framer %s -in image [-out dir] [-size WxH[:format]]... [-fit cover|contain] [-stretch]", name)
	}
	conf, err := loadConfig(f.configPath)
	if err != nil {
		return nil, nil, err
	}

	if f.fit != "" {
		policy, err := framer.ParseFitPolicy(f.fit)
		if err != nil {
			return nil, nil, err
		}
		conf.Client.Fit = policy
	}
	if f.stretch {
		conf.Client.MaintainAspect = false
	}
	if len(f.sizes) > 0 {
		conf.Outputs = f.sizes
	}
	if err := os.MkdirAll(f.out, 0o755); err != nil {
		return nil, nil, err
	}
	return f, conf, nil
}

func newPreviewer(conf *Config, surface framer.Surface, logger hclog.Logger) *framer.Previewer {
	outputs := framer.NewOutputSet()
	if len(conf.Outputs) > 0 {
		outputs = framer.NewOutputSetOf(conf.Outputs...)
	}
	return framer.NewPreviewer(framer.PreviewerConfig{
		Surface:        surface,
		Outputs:        outputs,
		MaintainAspect: conf.Client.MaintainAspect,
		Policy:         conf.Client.Fit,
		Logger:         logger.Named("preview"),
	})
}

func runPreview(args []string) error {
	f, conf, err := parseJobFlags("preview", args)
	if err != nil {
		return err
	}
	logger := newLogger(conf.LogLevel)

	canvas := &raster.Canvas{}
	p := newPreviewer(conf, canvas, logger)
	defer p.Close()

	done, err := p.SelectFile(f.in)
	if err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}
	dims, _ := p.Dimensions()
	logger.Info("Source", "file", f.in, "size", dims)

	base := strings.TrimSuffix(filepath.Base(f.in), filepath.Ext(f.in))
	for i, o := range p.Outputs() {
		if err := p.SetActive(i); err != nil {
			return err
		}
		frame, _ := p.LastFrame()
		name := filepath.Join(f.out, fmt.Sprintf("%03d_%s_%s_preview.png", i+1, base, frame.Size))
		if err := writePNG(name, canvas); err != nil {
			return err
		}
		logger.Info("Wrote preview", "path", name, "output", o, "geometry", frame.Geometry)
	}
	return nil
}

func writePNG(name string, canvas *raster.Canvas) error {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := raster.Encode(file, canvas.Image(), framer.FormatPNG, 0); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func runGenerate(args []string) error {
	f, conf, err := parseJobFlags("generate", args)
	if err != nil {
		return err
	}
	logger := newLogger(conf.LogLevel)

	client, err := framer.NewClient(framer.ClientConfig{
		URL:        conf.Client.URL,
		Token:      conf.Client.Token,
		HTTPClient: &http.Client{Timeout: conf.Client.Timeout.Duration},
		Logger:     logger.Named("client"),
	})
	if err != nil {
		return err
	}

	p := newPreviewer(conf, nil, logger)
	defer p.Close()
	done, err := p.SelectFile(f.in)
	if err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}

	res, err := p.Generate(context.Background(), client)
	var verr *framer.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("cannot generate: %w", err)
	}
	if err != nil {
		return err
	}

	name := filepath.Join(f.out, filepath.Base(res.Filename))
	if err := os.WriteFile(name, res.Data, 0o644); err != nil {
		return err
	}
	logger.Info("Wrote result", "path", name, "type", res.ContentType, "bytes", len(res.Data))
	return nil
}
