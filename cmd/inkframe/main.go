package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/google/uuid"

	"inkframe/internal/ble"
	"inkframe/internal/bus"
	"inkframe/internal/config"
	"inkframe/internal/connection"
	"inkframe/internal/encoder"
	"inkframe/internal/history"
	"inkframe/internal/link"
	"inkframe/internal/logging"
	"inkframe/internal/protocol"
	"inkframe/internal/rest"
	"inkframe/internal/tracker"
)

const usage = `usage: inkframe [-config path] <command> [args]

commands:
  scan                     discover nearby InkFrame accessories
  send <image>             encode and upload an image
  list                     list files stored on the accessory
  delete <name>            delete a file from the accessory
  space                    show accessory storage usage
  display <name>           show an uploaded file on the panel (WiFi only)
  history                  show recent transfer history
  encode <image>           encode an image without uploading
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/inkframe/config.yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.LogLevel); err != nil {
		log.Fatalf("logging: %v", err)
	}

	app := &app{cfg: cfg, logs: logMgr}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	args := flag.Args()[1:]
	if err := app.run(ctx, cmd, args); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

type app struct {
	cfg  *config.Config
	logs *logging.Manager
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "scan":
		return a.scan(ctx)
	case "send":
		return a.send(ctx, args)
	case "list":
		return a.withStation(ctx, func(ctx context.Context, st protocol.Station) error {
			files, err := st.ListFiles(ctx)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Printf("%10d  %s\n", f.Size, f.Name)
			}
			return nil
		})
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: inkframe delete <name>")
		}
		return a.withStation(ctx, func(ctx context.Context, st protocol.Station) error {
			return st.DeleteFile(ctx, args[0])
		})
	case "space":
		return a.withStation(ctx, func(ctx context.Context, st protocol.Station) error {
			space, err := st.GetStorageSpace(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("total: %d bytes, used: %d bytes, free: %d bytes\n", space.Total, space.Used, space.Total-space.Used)
			return nil
		})
	case "display":
		if len(args) != 1 {
			return fmt.Errorf("usage: inkframe display <name>")
		}
		if a.cfg.Rest.BaseURL == "" {
			return fmt.Errorf("display requires rest.base_url in config")
		}
		client := rest.New(a.cfg.Rest.BaseURL, time.Duration(a.cfg.Rest.TimeoutSeconds)*time.Second, a.logs.Logger("rest"))
		return client.DisplayFile(ctx, args[0])
	case "history":
		return a.history(ctx)
	case "encode":
		fs := flag.NewFlagSet("encode", flag.ContinueOnError)
		cropSpec := fs.String("crop", "", "crop rectangle as x,y,w,h (default: full image)")
		orientation := fs.String("orientation", "portrait", "portrait or landscape")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: inkframe encode [-crop x,y,w,h] [-orientation portrait|landscape] <image>")
		}
		path, err := a.encodeImage(fs.Arg(0), *cropSpec, *orientation)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) scan(ctx context.Context) error {
	mgr, cleanup, err := a.connectionManager()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	devices, err := mgr.Scan(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s  %s  rssi=%d\n", d.Address, d.Name, d.RSSI)
	}
	return nil
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	cropSpec := fs.String("crop", "", "crop rectangle as x,y,w,h (default: full image)")
	orientation := fs.String("orientation", "portrait", "portrait or landscape")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: inkframe send [-crop x,y,w,h] [-orientation portrait|landscape] <image>")
	}

	containerPath, err := a.encodeImage(fs.Arg(0), *cropSpec, *orientation)
	if err != nil {
		return err
	}
	filename := filepath.Base(containerPath)

	payload, err := os.ReadFile(containerPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	start := time.Now()
	var sendErr error
	err = a.withStation(ctx, func(ctx context.Context, st protocol.Station) error {
		sendErr = st.TransferFile(ctx, filename, payload, func(p protocol.Progress) {
			fmt.Printf("\r%d / %d bytes (%.0f B/s)", p.BytesTransferred, p.TotalBytes, p.SpeedBps)
		})
		fmt.Println()
		return sendErr
	})
	if sendErr == nil {
		sendErr = err
	}

	a.recordTransfer(filename, int64(len(payload)), time.Since(start), sendErr)

	if sendErr == nil {
		if nerr := beeep.Notify("InkFrame", fmt.Sprintf("%s sent (%d bytes)", filename, len(payload)), ""); nerr != nil {
			a.logs.Logger("main").Debug("notification failed", "error", nerr)
		}
	}
	return sendErr
}

func (a *app) history(ctx context.Context) error {
	db, err := history.Open(ctx, a.cfg.Storage.HistoryDB)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := history.NewRepo(db).ListRecent(ctx, 20)
	if err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-9s  %10d bytes  %8s  %s",
			r.CreatedAt.Format(time.DateTime), r.Status, r.Bytes, r.Duration.Round(time.Millisecond), r.Filename)
		if r.Err != "" {
			line += "  (" + r.Err + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func (a *app) recordTransfer(filename string, bytes int64, duration time.Duration, sendErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := history.Open(ctx, a.cfg.Storage.HistoryDB)
	if err != nil {
		a.logs.Logger("history").Warn("history unavailable", "error", err)
		return
	}
	defer db.Close()

	rec := history.Transfer{
		ID:        uuid.NewString(),
		Filename:  filename,
		Bytes:     bytes,
		Duration:  duration,
		Status:    "completed",
		CreatedAt: time.Now(),
	}
	if sendErr != nil {
		rec.Status = "failed"
		rec.Err = sendErr.Error()
	}
	if err := history.NewRepo(db).Record(ctx, rec); err != nil {
		a.logs.Logger("history").Warn("recording transfer failed", "error", err)
	}
}

// encodeImage runs the image pipeline and returns the written container
// path.
func (a *app) encodeImage(srcPath, cropSpec, orientationSpec string) (string, error) {
	orientation := encoder.Orientation(orientationSpec)
	if orientation != encoder.OrientationPortrait && orientation != encoder.OrientationLandscape {
		return "", fmt.Errorf("orientation must be portrait or landscape, got %q", orientationSpec)
	}

	img, err := encoder.LoadImage(srcPath)
	if err != nil {
		return "", err
	}

	crop := img.Bounds()
	if cropSpec != "" {
		crop, err = parseCrop(cropSpec)
		if err != nil {
			return "", err
		}
	}

	enc := encoder.New(a.logs.Logger("encoder"), encoder.DefaultOptions())
	resized := encoder.CropResize(img, crop, orientation)

	stem := encoder.Filename(orientation, time.Now())
	if err := os.MkdirAll(a.cfg.Storage.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}
	res, err := enc.Convert(resized, srcPath, a.cfg.Storage.Dir, stem)
	if err != nil {
		return "", err
	}

	path, err := encoder.Save(res, orientation, a.cfg.Storage.Dir, stem)
	if err != nil {
		return "", err
	}
	return path, nil
}

// withStation picks the configured carrier (serial port when set,
// otherwise BLE) and runs fn against it.
func (a *app) withStation(ctx context.Context, fn func(context.Context, protocol.Station) error) error {
	events := bus.New(a.logs.Logger("bus"))
	defer events.Close()

	tr := tracker.New(a.logs.Logger("tracker"), time.Duration(a.cfg.Device.DiagnosticsSeconds)*time.Second)
	tr.Subscribe(func(d tracker.Diagnostics) {
		events.Publish(bus.TopicDiagnostics, d)
	})
	tr.Start()
	defer tr.Close()

	protoOpts := protocol.Options{
		StartTimeout:    time.Duration(a.cfg.Transfer.StartTimeoutSeconds) * time.Second,
		ChunkAckTimeout: time.Duration(a.cfg.Transfer.ChunkAckTimeoutSeconds) * time.Second,
		EndTimeout:      time.Duration(a.cfg.Transfer.EndTimeoutSeconds) * time.Second,
		ListTimeout:     time.Duration(a.cfg.Transfer.ListTimeoutSeconds) * time.Second,
	}

	if a.cfg.Serial.Port != "" {
		lnk, err := link.OpenSerial(a.cfg.Serial.Port, a.cfg.Serial.Baud, a.logs.Logger("serial"))
		if err != nil {
			return err
		}
		defer lnk.Close()

		proto := protocol.New(lnk, ble.DefaultMTU, tr, events, a.logs.Logger("protocol"), protoOpts)
		defer proto.Close()
		return fn(ctx, proto)
	}

	if a.cfg.Device.Address == "" {
		return fmt.Errorf("no accessory address configured; run `inkframe scan` and set device.address")
	}

	mgr := connection.New(ble.NewTinygoAdapter(), events, tr, a.logs.Logger("connection"), a.managerOptions())
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	if err := mgr.Connect(ctx, a.cfg.Device.Address); err != nil {
		return err
	}
	defer mgr.Disconnect()

	lnk, err := mgr.Link()
	if err != nil {
		return err
	}
	proto := protocol.New(lnk, mgr.MTU(), tr, events, a.logs.Logger("protocol"), protoOpts)
	defer proto.Close()
	return fn(ctx, proto)
}

func (a *app) connectionManager() (*connection.Manager, func(), error) {
	events := bus.New(a.logs.Logger("bus"))
	tr := tracker.New(a.logs.Logger("tracker"), time.Duration(a.cfg.Device.DiagnosticsSeconds)*time.Second)
	tr.Subscribe(func(d tracker.Diagnostics) {
		events.Publish(bus.TopicDiagnostics, d)
	})
	tr.Start()

	mgr := connection.New(ble.NewTinygoAdapter(), events, tr, a.logs.Logger("connection"), a.managerOptions())
	cleanup := func() {
		_ = mgr.Disconnect()
		tr.Close()
		events.Close()
	}
	return mgr, cleanup, nil
}

func (a *app) managerOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.NamePrefix = a.cfg.Device.NamePrefix
	opts.ScanTimeout = time.Duration(a.cfg.Device.ScanTimeoutSeconds) * time.Second
	opts.StopAtFirstMatch = a.cfg.Device.StopAtFirstMatch
	opts.ConnectTimeout = time.Duration(a.cfg.Device.ConnectTimeoutSecs) * time.Second
	opts.MaxRetries = a.cfg.Device.MaxRetries
	opts.RetryBaseDelay = time.Duration(a.cfg.Device.RetryBaseDelayMillis) * time.Millisecond
	opts.RSSIPollInterval = time.Duration(a.cfg.Device.RSSIPollSeconds) * time.Second
	opts.DesiredMTU = uint16(a.cfg.Device.DesiredMTU)
	return opts
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// parseCrop parses "x,y,w,h" into an image.Rectangle.
func parseCrop(spec string) (image.Rectangle, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("crop must be x,y,w,h, got %q", spec)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("crop must be x,y,w,h, got %q", spec)
		}
		vals[i] = v
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("crop width and height must be > 0")
	}
	return image.Rect(vals[0], vals[1], vals[0]+vals[2], vals[1]+vals[3]), nil
}
