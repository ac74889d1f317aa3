// -*- coding: utf-8 -*-
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher"
	"github.com/subfusc/vakt/logging"
	"github.com/subfusc/vakt/sse"
)

var banner = `
#     #     #     #    #   #######
#     #    # #    #   #       #
#     #   #   #   #  #        #
#     #  #     #  ###         #
 #   #   #######  #  #        #
  # #    #     #  #   #       #
   #     #     #  #    #      #
`

var info = `
GOOS:                %s
Root:                %s
FileWatcher Backend: %s
SSE:                 %t
SSE Port:            %d
`

func bannerRandomColor() string {
	buf := bytes.NewBuffer(nil)
	fgs := make([]logging.Color, 4)
	for i := range fgs {
		fgs[i] = logging.Color{byte(rand.Int() % 255), byte(rand.Int() % 255), byte(rand.Int() % 255)}
	}

	i := 0
	for _, r := range banner {
		if r == '\n' {
			i = 0
		}

		if r == '#' {
			cb := logging.NewAnsiColorBuilder(string(r))
			switch {
			case i <= 7:
				cb.Fg(fgs[0])
			case i <= 16:
				cb.Fg(fgs[1])
			case i <= 24:
				cb.Fg(fgs[2])
			default:
				cb.Fg(fgs[3])
			}

			buf.WriteString(cb.String())
		} else {
			buf.WriteRune(r)
		}

		i++
	}

	return buf.String()
}

func printBanner(c *config.Config, fw *file_watcher.FileWatcher) {
	if c.Logger.Style == "terminal" {
		fmt.Print(bannerRandomColor())
	} else {
		fmt.Print(banner)
	}
	fmt.Printf(info, runtime.GOOS, fw.Root(), fw.Backend(), c.SSE.Enable, c.SSE.Port)
}

// loadConfig reads configFile, writing the default configuration there first
// when it does not exist.
func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.ReadConfig(configFile)
	switch {
	case errors.Is(err, config.ConfigNotFound):
		cfg = config.DefaultConfig()
		if err := cfg.Write(configFile); err != nil {
			return nil, fmt.Errorf("Failed to create standard config: [%w]", err)
		}
	case err != nil:
		return nil, fmt.Errorf("Unable to read config: [%w]", err)
	case !cfg.IsValid():
		return nil, fmt.Errorf("Config %s is not complete", configFile)
	}

	return cfg, nil
}

// restartEvent is what the browsers are told after a restart attempt.
func restartEvent(restarted bool, err error) (sse.Event, bool) {
	switch {
	case errors.Is(err, ProcessBuildFailed):
		return sse.Event{Type: "build_message", Source: sse.WATCHER, Data: map[string]any{"message": "Build failed"}, When: time.Now()}, true
	case err == nil && restarted:
		return sse.Event{Type: "server_message", Source: sse.WATCHER, Data: map[string]any{"restarted": true}, When: time.Now()}, true
	}
	return sse.Event{}, false
}

func run(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	loggers := logging.FromConfig(cfg, os.Stdout, os.Stderr)
	mainSlog := slog.New(loggers.Main)

	fw, err := file_watcher.NewFileWatcher(cfg, slog.New(loggers.FileWatcher))
	if err != nil {
		return err
	}
	printBanner(cfg, fw)

	proc, err := NewProcess(cfg, slog.New(loggers.Build), loggers.ProgramStandard, loggers.ProgramError)
	if err != nil {
		return err
	}
	defer proc.Stop()

	if err := proc.Start(); err != nil {
		mainSlog.Error("Unable to start program", "err", err)
	}

	var sseServer *sse.Server
	if cfg.SSE.Enable {
		sseServer = sse.NewServer(cfg, slog.New(loggers.SSE))
		defer sseServer.Close()

		go func() {
			if err := sseServer.Start(); err != nil {
				mainSlog.Error("SSE server failed", "err", err)
			}
		}()
	}

	proc.OnRestart(func(restarted bool, err error) {
		if sseServer != nil {
			if e, ok := restartEvent(restarted, err); ok {
				sseServer.Publish(e)
			}
		}

		if err != nil && !errors.Is(err, ProcessBuildFailed) {
			mainSlog.Error("Got an error thrown into main loop", "err", err)
		}
	})

	fw.OnChange(func(files []string) {
		mainSlog.Info("Files changed", "files", files)
		proc.Restart()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fw.Start(ctx); err != nil {
		return err
	}
	mainSlog.Info("Shutting down")
	return nil
}

func main() {
	configFile := flag.String("config", config.DefaultFile, "configuration file, created with defaults when missing")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
