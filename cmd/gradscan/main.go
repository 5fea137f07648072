package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"syscall"

	"github.com/gradscan/gradscan/pkg/announce"
	"github.com/gradscan/gradscan/pkg/capture"
	"github.com/gradscan/gradscan/pkg/config"
	"github.com/gradscan/gradscan/pkg/events"
	"github.com/gradscan/gradscan/pkg/liveness"
	"github.com/gradscan/gradscan/pkg/logging"
	"github.com/gradscan/gradscan/pkg/matching"
	"github.com/gradscan/gradscan/pkg/qr"
	"github.com/gradscan/gradscan/pkg/session"
	"github.com/gradscan/gradscan/pkg/store"
	"github.com/gradscan/gradscan/pkg/vision"
)

const version = "0.1.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

func init() {
	commands = map[string]*Command{
		"run": {
			Name:        "run",
			Description: "Run the checkpoint (camera, QR scanning, recognition)",
			Usage:       "gradscan run",
			Run:         cmdRun,
		},
		"register": {
			Name:        "register",
			Description: "Register a student from a reference photo",
			Usage:       "gradscan register <student-id> <name> <photo> [faculty] [level]",
			Run:         cmdRegister,
		},
		"remove": {
			Name:        "remove",
			Description: "Remove a student record",
			Usage:       "gradscan remove <student-id>",
			Run:         cmdRemove,
		},
		"list": {
			Name:        "list",
			Description: "List all registered students",
			Usage:       "gradscan list",
			Run:         cmdList,
		},
		"search": {
			Name:        "search",
			Description: "Search students by identifier, name, or faculty",
			Usage:       "gradscan search <query>",
			Run:         cmdSearch,
		},
		"stats": {
			Name:        "stats",
			Description: "Show registration and attendance statistics",
			Usage:       "gradscan stats",
			Run:         cmdStats,
		},
		"force": {
			Name:        "force",
			Description: "Manually confirm a student (operator override)",
			Usage:       "gradscan force <student-id>",
			Run:         cmdForce,
		},
		"qr": {
			Name:        "qr",
			Description: "Regenerate the QR code for a registered student",
			Usage:       "gradscan qr <student-id>",
			Run:         cmdQR,
		},
		"scan": {
			Name:        "scan",
			Description: "Decode a QR code from an image file",
			Usage:       "gradscan scan <image>",
			Run:         cmdScan,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "gradscan config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "gradscan version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "gradscan help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	// Parse global flags
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	// Load configuration
	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("GradScan v%s starting (profile: %s)", version, cfg.Profile)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("GradScan - Graduation Ceremony Checkpoint")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: gradscan [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range []string{"run", "register", "remove", "list", "search", "stats", "force", "qr", "scan", "config", "version", "help"} {
		cmd := commands[name]
		fmt.Printf("  %-12s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  gradscan register S1024 \"Ada Ahmed\" photo.jpg  # Register from a photo")
	fmt.Println("  gradscan run                                   # Start the checkpoint")
	fmt.Println("  gradscan force S1024                           # Operator override")
	fmt.Println("\nRun 'gradscan help <command>' for more information on a command.")
}

func openStore() (*store.Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return store.Open(cfg.Store.DatabasePath, cfg.Store.EncryptionEnabled)
}

func loadProvider() (*vision.DlibProvider, error) {
	provider := vision.NewDlibProvider()
	if err := provider.LoadModels(cfg.Recognition.ModelPath); err != nil {
		return nil, err
	}
	return provider, nil
}

// Command implementations

func cmdRun(args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	provider, err := loadProvider()
	if err != nil {
		return err
	}
	defer provider.Close()

	var checker vision.LivenessChecker
	if cfg.Liveness.Enabled {
		checker = liveness.NewChecker(liveness.Config{
			VarianceThreshold: cfg.Liveness.VarianceThreshold,
			MinScore:          cfg.Liveness.MinScore,
		})
	}

	sessions := session.NewManager(cfg.Matching.SessionTimeout(), cfg.Matching.MaxAttempts)
	bus := events.NewBus()
	signals := make(chan vision.Signal, 32)

	camera := capture.NewV4L2Camera(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height)
	pipeline := capture.NewPipeline(cfg.Capture, cfg.Liveness, camera,
		provider, provider, checker, qr.NewScanner(), sessions, bus, signals, nil)

	engine := matching.New(cfg.Matching, sessions, st, bus, signals, announce.NewLogAnnouncer())

	if err := pipeline.Start(); err != nil {
		return err
	}
	engine.Start()

	fmt.Printf("Checkpoint running (profile: %s). Press Ctrl+C to stop.\n", cfg.Profile)

	done := make(chan struct{})
	go consumeEvents(bus, done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	pipeline.Stop()
	engine.Stop()
	close(done)

	snap := pipeline.Stats().Snapshot()
	fmt.Printf("Session stats: %d detection pass(es), %d face(s), %d sample(s), %d spoof rejection(s)\n",
		snap.Detections, snap.FacesFound, snap.SamplesTaken, snap.Spoofs)
	return nil
}

// consumeEvents prints the outcome stream for the operator.
func consumeEvents(bus *events.Bus, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e := <-bus.Events():
			switch ev := e.(type) {
			case events.ScanAccepted:
				fmt.Printf("[scan]     %s (%s)\n", ev.Identifier, ev.Source)
			case events.MatchFound:
				r := ev.Result
				fmt.Printf("[match]    %s  similarity=%.3f confidence=%d attempts=%d\n",
					announce.Line(r), r.Similarity, r.ConfidenceLevel, r.TotalAttempts)
			case events.LowSimilarity:
				fmt.Printf("[retry]    %s attempt %d/%d similarity=%.3f (need %.3f). %s\n",
					ev.Identifier, ev.Attempt, ev.MaxAttempts, ev.Similarity, ev.Required, ev.Suggestion)
			case events.NotFound:
				fmt.Printf("[unknown]  no record for %s\n", ev.Identifier)
			case events.SessionTimeout:
				fmt.Printf("[timeout]  %s expired after %d attempt(s)\n", ev.Identifier, ev.AttemptCount)
			case events.Error:
				fmt.Printf("[error]    %s\n", ev.Message)
			}
		}
	}
}

func cmdRegister(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("student id, name, and photo required\nUsage: %s", commands["register"].Usage)
	}
	identifier, name, photoPath := args[0], args[1], args[2]
	faculty, level := "", ""
	if len(args) > 3 {
		faculty = args[3]
	}
	if len(args) > 4 {
		level = args[4]
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	provider, err := loadProvider()
	if err != nil {
		return err
	}
	defer provider.Close()

	f, err := os.Open(photoPath)
	if err != nil {
		return fmt.Errorf("failed to open photo: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode photo: %w", err)
	}

	faces, err := provider.DetectFaces(img)
	if err != nil {
		return fmt.Errorf("no usable face in photo: %w", err)
	}
	if len(faces) > 1 {
		return fmt.Errorf("%w: registration photo must show one face", vision.ErrMultipleFaces)
	}

	embedding, err := provider.Embed(img, faces[0])
	if err != nil {
		return err
	}

	qrPath, err := qr.Generate(identifier, cfg.Store.QRCodeDir)
	if err != nil {
		return err
	}

	err = st.Register(store.Record{
		Identifier:      identifier,
		Name:            name,
		Faculty:         faculty,
		GraduationLevel: level,
		Embedding:       embedding,
	}, photoPath, qrPath)
	if err != nil {
		return err
	}

	fmt.Printf("Registered %s (%s).\nQR code: %s\n", name, identifier, qrPath)
	return nil
}

func cmdRemove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("student id required\nUsage: %s", commands["remove"].Usage)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed student %s.\n", args[0])
	return nil
}

func cmdList(args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	students, err := st.List()
	if err != nil {
		return err
	}
	if len(students) == 0 {
		fmt.Println("No students registered.")
		return nil
	}

	fmt.Printf("%-12s %-24s %-20s %-12s %s\n", "ID", "NAME", "FACULTY", "LEVEL", "ATTENDANCE")
	for _, s := range students {
		fmt.Printf("%-12s %-24s %-20s %-12s %s\n",
			s.StudentID, s.Name, s.Faculty, s.GraduationLevel, s.Attendance)
	}
	fmt.Printf("\nTotal: %d student(s)\n", len(students))
	return nil
}

func cmdSearch(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("query required\nUsage: %s", commands["search"].Usage)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	students, err := st.Search(args[0])
	if err != nil {
		return err
	}
	if len(students) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, s := range students {
		fmt.Printf("%-12s %-24s %-20s %s\n", s.StudentID, s.Name, s.Faculty, s.Attendance)
	}
	return nil
}

func cmdStats(args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	stats, err := st.Statistics()
	if err != nil {
		return err
	}

	fmt.Printf("Registered students: %d\n", stats.Total)
	fmt.Printf("Attendance: %d present, %d pending\n",
		stats.AttendanceCounts[store.AttendancePresent],
		stats.AttendanceCounts[store.AttendancePending])
	if len(stats.ByLevel) > 0 {
		fmt.Println("\nBy graduation level:")
		for level, n := range stats.ByLevel {
			fmt.Printf("  %-20s %d\n", level, n)
		}
	}
	if len(stats.ByFaculty) > 0 {
		fmt.Println("\nBy faculty:")
		for faculty, n := range stats.ByFaculty {
			fmt.Printf("  %-20s %d\n", faculty, n)
		}
	}
	return nil
}

func cmdForce(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("student id required\nUsage: %s", commands["force"].Usage)
	}
	st, err := openStore()
	if err != nil {
		return err
	}

	sessions := session.NewManager(cfg.Matching.SessionTimeout(), cfg.Matching.MaxAttempts)
	engine := matching.New(cfg.Matching, sessions, st, events.NewBus(), nil, announce.NewLogAnnouncer())

	result, err := engine.ForceMatch(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Confirmed (override): %s\n", announce.Line(*result))
	return nil
}

func cmdQR(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("student id required\nUsage: %s", commands["qr"].Usage)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	rec, err := st.Lookup(args[0])
	if err != nil {
		return err
	}

	path, err := qr.Generate(rec.Identifier, cfg.Store.QRCodeDir)
	if err != nil {
		return err
	}
	fmt.Printf("QR code for %s (%s): %s\n", rec.Name, rec.Identifier, path)
	return nil
}

func cmdScan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("image path required\nUsage: %s", commands["scan"].Usage)
	}
	identifier, err := qr.NewScanner().DecodeFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to decode QR code: %w", err)
	}
	fmt.Printf("Decoded identifier: %s\n", identifier)

	st, err := openStore()
	if err != nil {
		return err
	}
	rec, err := st.Lookup(identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("No record for this identifier.")
			return nil
		}
		return err
	}
	fmt.Printf("Student: %s, %s (%s)\n", rec.Name, rec.Faculty, rec.Attendance)
	return nil
}

func cmdConfig(args []string) error {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Printf("Profile: %s\n", cfg.Profile)
	fmt.Println()
	fmt.Println("[Camera]")
	fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Println()
	fmt.Println("[Capture]")
	fmt.Printf("  Detection:       %d FPS @ %dx%d\n", cfg.Capture.DetectionFPS, cfg.Capture.DetectionWidth, cfg.Capture.DetectionHeight)
	fmt.Printf("  Display:         %d FPS\n", cfg.Capture.DisplayFPS)
	fmt.Println()
	fmt.Println("[Matching]")
	fmt.Printf("  Threshold:       %.2f (clamped to [%.2f, %.2f])\n", cfg.Matching.ThresholdBase, cfg.Matching.ThresholdMin, cfg.Matching.ThresholdMax)
	fmt.Printf("  Cooldown:        %.1fs\n", cfg.Matching.CooldownSeconds)
	fmt.Printf("  Buffer:          %d samples, %.1fs retention\n", cfg.Matching.BufferSize, cfg.Matching.RetentionSeconds)
	fmt.Printf("  Session timeout: %.0fs\n", cfg.Matching.SessionTimeoutSec)
	fmt.Printf("  Attempts:        min %d, max %d\n", cfg.Matching.MinAttempts, cfg.Matching.MaxAttempts)
	fmt.Printf("  Consecutive:     %d\n", cfg.Matching.ConsecutiveNeeded)
	fmt.Println()
	fmt.Println("[Liveness]")
	fmt.Printf("  Enabled:         %t\n", cfg.Liveness.Enabled)
	fmt.Printf("  Variance:        %.0f\n", cfg.Liveness.VarianceThreshold)
	fmt.Printf("  Min Score:       %.2f\n", cfg.Liveness.MinScore)
	fmt.Println()
	fmt.Println("[Store]")
	fmt.Printf("  Database:        %s\n", cfg.Store.DatabasePath)
	fmt.Printf("  QR Codes:        %s\n", cfg.Store.QRCodeDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Store.EncryptionEnabled)
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)
	return nil
}

func cmdVersion(args []string) error {
	fmt.Printf("GradScan v%s\n", version)
	fmt.Println("Graduation Ceremony Checkpoint")
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "register":
		fmt.Println("\nRegistration:")
		fmt.Println("  1. Provide a clear reference photo showing exactly one face")
		fmt.Println("  2. The face embedding is stored encrypted")
		fmt.Println("  3. A QR code for the checkpoint is written to the QR directory")
	case "run":
		fmt.Println("\nCheckpoint flow:")
		fmt.Println("  1. The graduate presents their QR code to the camera")
		fmt.Println("  2. Live face samples are matched against the stored embedding")
		fmt.Println("  3. A confirmed match marks attendance and announces the graduate")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/gradscan/gradscan.yaml")
		fmt.Println("  User:   ~/.config/gradscan/gradscan.yaml")
		fmt.Println("\nUse -config flag to specify a custom config file.")
	}

	return nil
}
