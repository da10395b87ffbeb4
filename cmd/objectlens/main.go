package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/ayusman/objectlens/internal/app"
	"github.com/ayusman/objectlens/internal/config"
	"github.com/ayusman/objectlens/internal/tray"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	fmt.Println("ObjectLens - Object Detection")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogFile != "" {
		logPath := cfg.ResourcePath(cfg.LogFile)
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	if !cfg.LogResources() {
		log.Println("Model weights not found, detection will use the fallback backend")
	}

	webDir := cfg.ResourcePath(cfg.StaticDir)
	if webDir == "" {
		webDir = findWebDir(cfg.BaseDir)
	}
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	var tr *tray.Tray
	if cfg.Tray {
		tr = tray.New()
	}

	a, err := app.New(app.Config{
		Settings:  cfg,
		StaticDir: webDir,
		Tray:      tr,
		OpenURL:   openBrowser,
	})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	a.Start()
	if cfg.OpenBrowser {
		openBrowser("http://" + cfg.ListenAddr + "/")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	wait := func() {
		select {
		case sig := <-sigCh:
			log.Printf("Received %v, shutting down", sig)
		case err := <-a.Err():
			log.Printf("Server failed: %v", err)
		}
	}

	if tr != nil {
		// The tray owns the main thread until Quit.
		go func() {
			wait()
			tr.Quit()
		}()
		tr.Run()
	} else {
		wait()
	}

	a.Stop()
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(homeDir, ".objectlens", "config.yaml")
}

// findWebDir searches for the web directory in common locations.
// It checks the base directory, "web", "../web", "../../web", and
// ~/.objectlens/web. Returns the first existing directory or empty string if
// none found.
func findWebDir(baseDir string) string {
	candidates := []string{filepath.Join(baseDir, "web"), "web", "../web", "../../web"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".objectlens", "web"))
	}

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if absPath, err := filepath.Abs(p); err == nil {
				return absPath
			}
			return p
		}
	}
	return ""
}

// openBrowser opens url with the platform's default handler.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("Failed to open %s: %v", url, err)
		return
	}
	go cmd.Wait()
}
