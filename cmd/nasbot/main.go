package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nasbot/nasbot/pkg/ai"
	"github.com/nasbot/nasbot/pkg/capture"
	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/cron"
	"github.com/nasbot/nasbot/pkg/logger"
	"github.com/nasbot/nasbot/pkg/onebot"
	"github.com/nasbot/nasbot/pkg/router"
	"github.com/nasbot/nasbot/pkg/server"
	"github.com/nasbot/nasbot/pkg/store"
)

const version = "0.1.0"
const logo = "🤖"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard":
		onboard()
	case "serve":
		serveCmd()
	case "status":
		statusCmd()
	case "cron":
		cronCmd()
	case "version", "--version", "-v":
		fmt.Printf("%s nasbot v%s\n", logo, version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s nasbot - NapCat QQ webhook bot v%s\n\n", logo, version)
	fmt.Println("Usage: nasbot <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Initialize nasbot configuration")
	fmt.Println("  serve       Start the webhook receiver")
	fmt.Println("  status      Show gateway and bot status")
	fmt.Println("  cron        Manage scheduled announcements")
	fmt.Println("  version     Show version information")
}

func getConfigPath() string {
	if p := os.Getenv("NASBOT_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nasbot", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	os.MkdirAll(cfg.Data.Dir, 0755)

	fmt.Printf("%s nasbot is ready!\n", logo)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point NapCat's HTTP POST webhook at this host, port", cfg.Server.Port)
	fmt.Println("  2. Set napcat.host/napcat.port in", configPath)
	fmt.Println("  3. Run: nasbot serve")
}

func serveCmd() {
	args := os.Args[2:]
	for _, arg := range args {
		if arg == "--debug" || arg == "-d" {
			logger.SetLevel(logger.DEBUG)
			fmt.Println("🔍 Debug mode enabled")
			break
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxAgeDays); err != nil {
			fmt.Printf("Error opening log file: %v\n", err)
			os.Exit(1)
		}
	}

	st, err := store.New(cfg.Data.Dir)
	if err != nil {
		fmt.Printf("Error opening data store: %v\n", err)
		os.Exit(1)
	}

	var responder router.Responder
	if cfg.AI.Enabled {
		aiClient := ai.NewClient(cfg.AI)
		responder = aiClient
		fmt.Printf("✓ AI replies enabled (%s)\n", cfg.AI.Model)
	}

	rt := router.New(cfg, st, responder)
	gateway := onebot.NewClient(cfg.NapCat)

	var captures *capture.Log
	if cfg.Capture.Enabled {
		captures, err = capture.Open(cfg.Capture.Path, cfg.Capture.MaxRecords)
		if err != nil {
			fmt.Printf("Error opening capture log: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Payload capture enabled (%s)\n", cfg.Capture.Path)
	}

	pipeline := server.NewPipeline(cfg, st, rt, gateway, captures)
	srv := server.New(cfg, pipeline, rt, captures)

	cronStorePath := filepath.Join(cfg.Data.Dir, "cron", "jobs.json")
	cronService := cron.NewService(cronStorePath, gateway)
	if err := cronService.Start(); err != nil {
		fmt.Printf("Error starting cron service: %v\n", err)
	} else {
		fmt.Println("✓ Cron service started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ws *onebot.WSTransport
	if cfg.NapCat.WSUrl != "" {
		ws = onebot.NewWSTransport(cfg.NapCat, func(frame []byte) {
			pipeline.Process(context.Background(), "websocket", frame)
		})
		if err := ws.Start(ctx); err != nil {
			fmt.Printf("Error starting websocket transport: %v\n", err)
		} else {
			fmt.Printf("✓ WebSocket transport connected to %s\n", cfg.NapCat.WSUrl)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	fmt.Printf("✓ Webhook receiver listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case err := <-errChan:
		if err != nil {
			fmt.Printf("Server error: %v\n", err)
		}
	}

	cancel()
	if ws != nil {
		ws.Stop()
	}
	cronService.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Error during shutdown: %v\n", err)
	}

	if captures != nil {
		if err := captures.Close(); err != nil {
			fmt.Printf("Error closing capture log: %v\n", err)
		}
	}

	if cfg.Log.File != "" {
		logger.DisableFileLogging()
	}

	fmt.Println("✓ Stopped")
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()

	fmt.Printf("%s nasbot Status\n\n", logo)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗ (using defaults)")
	}

	fmt.Printf("Webhook: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Gateway: %s\n", cfg.NapCat.BaseURL())

	gateway := onebot.NewClient(cfg.NapCat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if info, err := gateway.GetLoginInfo(ctx); err == nil {
		fmt.Printf("Bot account: %s (%d) ✓\n", info.Nickname, info.UserID)
	} else {
		fmt.Printf("Bot account: unreachable (%v)\n", err)
	}

	if status, err := gateway.GetStatus(ctx); err == nil {
		fmt.Printf("Gateway online: %v, good: %v\n", status.Online, status.Good)
	}

	if cfg.AI.Enabled {
		fmt.Printf("AI: %s ✓\n", cfg.AI.Model)
	} else {
		fmt.Println("AI: disabled")
	}
	if cfg.Capture.Enabled {
		fmt.Printf("Capture: %s ✓\n", cfg.Capture.Path)
	} else {
		fmt.Println("Capture: disabled")
	}
}

func cronCmd() {
	if len(os.Args) < 3 {
		cronHelp()
		return
	}

	subcommand := os.Args[2]

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	cronStorePath := filepath.Join(cfg.Data.Dir, "cron", "jobs.json")

	switch subcommand {
	case "list":
		cronListCmd(cronStorePath)
	case "add":
		cronAddCmd(cronStorePath)
	case "remove":
		if len(os.Args) < 4 {
			fmt.Println("Usage: nasbot cron remove <job_id>")
			return
		}
		cronRemoveCmd(cronStorePath, os.Args[3])
	case "enable":
		cronEnableCmd(cronStorePath, false)
	case "disable":
		cronEnableCmd(cronStorePath, true)
	default:
		fmt.Printf("Unknown cron command: %s\n", subcommand)
		cronHelp()
	}
}

func cronHelp() {
	fmt.Println("\nCron commands:")
	fmt.Println("  list              List all scheduled announcements")
	fmt.Println("  add               Add a new scheduled announcement")
	fmt.Println("  remove <id>       Remove a job by ID")
	fmt.Println("  enable <id>       Enable a job")
	fmt.Println("  disable <id>      Disable a job")
	fmt.Println()
	fmt.Println("Add options:")
	fmt.Println("  -n, --name        Job name")
	fmt.Println("  -m, --message     Announcement text")
	fmt.Println("  -e, --every       Run every N seconds")
	fmt.Println("  -c, --cron        Cron expression (e.g. '0 9 * * *')")
	fmt.Println("  --group <id>      Deliver to a group")
	fmt.Println("  --user <id>       Deliver to a user")
}

func cronListCmd(storePath string) {
	cs := cron.NewService(storePath, nil)
	jobs := cs.ListJobs(true)

	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs.")
		return
	}

	fmt.Println("\nScheduled Jobs:")
	fmt.Println("----------------")
	for _, job := range jobs {
		var schedule string
		if job.Schedule.Kind == "every" && job.Schedule.EveryMS != nil {
			schedule = fmt.Sprintf("every %ds", *job.Schedule.EveryMS/1000)
		} else if job.Schedule.Kind == "cron" {
			schedule = job.Schedule.Expr
		} else {
			schedule = "one-time"
		}

		nextRun := "scheduled"
		if job.State.NextRunAtMS != nil {
			nextTime := time.UnixMilli(*job.State.NextRunAtMS)
			nextRun = nextTime.Format("2006-01-02 15:04")
		}

		status := "enabled"
		if !job.Enabled {
			status = "disabled"
		}

		fmt.Printf("  %s (%s)\n", job.Name, job.ID)
		fmt.Printf("    Schedule: %s\n", schedule)
		fmt.Printf("    Target: %s %d\n", job.Announcement.TargetType, job.Announcement.TargetID)
		fmt.Printf("    Status: %s\n", status)
		fmt.Printf("    Next run: %s\n", nextRun)
	}
}

func cronAddCmd(storePath string) {
	name := ""
	message := ""
	var everySec *int64
	cronExpr := ""
	targetType := ""
	var targetID int64

	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n", "--name":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "-m", "--message":
			if i+1 < len(args) {
				message = args[i+1]
				i++
			}
		case "-e", "--every":
			if i+1 < len(args) {
				var sec int64
				fmt.Sscanf(args[i+1], "%d", &sec)
				everySec = &sec
				i++
			}
		case "-c", "--cron":
			if i+1 < len(args) {
				cronExpr = args[i+1]
				i++
			}
		case "--group":
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &targetID)
				targetType = "group"
				i++
			}
		case "--user":
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &targetID)
				targetType = "private"
				i++
			}
		}
	}

	if name == "" {
		fmt.Println("Error: --name is required")
		return
	}
	if message == "" {
		fmt.Println("Error: --message is required")
		return
	}
	if targetType == "" {
		fmt.Println("Error: either --group or --user must be specified")
		return
	}
	if everySec == nil && cronExpr == "" {
		fmt.Println("Error: either --every or --cron must be specified")
		return
	}

	var schedule cron.Schedule
	if everySec != nil {
		everyMS := *everySec * 1000
		schedule = cron.Schedule{
			Kind:    "every",
			EveryMS: &everyMS,
		}
	} else {
		schedule = cron.Schedule{
			Kind: "cron",
			Expr: cronExpr,
		}
	}

	cs := cron.NewService(storePath, nil)
	job, err := cs.AddJob(name, schedule, cron.Announcement{
		Message:    message,
		TargetType: targetType,
		TargetID:   targetID,
	})
	if err != nil {
		fmt.Printf("Error adding job: %v\n", err)
		return
	}

	fmt.Printf("✓ Added job '%s' (%s)\n", job.Name, job.ID)
}

func cronRemoveCmd(storePath, jobID string) {
	cs := cron.NewService(storePath, nil)
	if cs.RemoveJob(jobID) {
		fmt.Printf("✓ Removed job %s\n", jobID)
	} else {
		fmt.Printf("✗ Job %s not found\n", jobID)
	}
}

func cronEnableCmd(storePath string, disable bool) {
	if len(os.Args) < 4 {
		fmt.Println("Usage: nasbot cron enable/disable <job_id>")
		return
	}

	jobID := os.Args[3]
	cs := cron.NewService(storePath, nil)
	enabled := !disable

	job := cs.EnableJob(jobID, enabled)
	if job != nil {
		status := "enabled"
		if disable {
			status = "disabled"
		}
		fmt.Printf("✓ Job '%s' %s\n", job.Name, status)
	} else {
		fmt.Printf("✗ Job %s not found\n", jobID)
	}
}
