package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// serviceStopTimeout bounds how long Stop waits for run to return.
const serviceStopTimeout = 90 * time.Second

// program adapts run to the service manager's Start/Stop lifecycle.
type program struct {
	cancel context.CancelFunc
	exit   chan struct{}
	code   int
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.exit = make(chan struct{})

	go func() {
		defer close(p.exit)
		p.code = run(ctx)
		if p.code != core.ExitCodeSuccess && !service.Interactive() {
			// Let the service manager restart us.
			os.Exit(p.code)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.cancel()
	select {
	case <-p.exit:
		return nil
	case <-time.After(serviceStopTimeout):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}

// serviceConfig describes the installed service. It runs from the directory
// of the executable so the .env file and ./data resolve there.
func serviceConfig() *service.Config {
	cfg := &service.Config{
		Name:        "diffuse-pilot",
		DisplayName: "diffuse-pilot",
		Description: "Discord image generation bot for Stable Diffusion WebUI",
		Arguments:   []string{"service", "run"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
	if exe, err := os.Executable(); err == nil {
		cfg.WorkingDirectory = filepath.Dir(exe)
	}
	return cfg
}

func newService() (service.Service, *program, error) {
	prg := &program{}
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, prg, nil
}

func printServiceUsage() {
	fmt.Println("diffuse-pilot service management")
	fmt.Println()
	fmt.Println("Usage: diffuse-pilot service <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  install    Install diffuse-pilot as a system service")
	fmt.Println("  uninstall  Remove the system service (alias: remove)")
	fmt.Println("  start      Start the service")
	fmt.Println("  stop       Stop the service")
	fmt.Println("  restart    Restart the service")
	fmt.Println("  status     Show the current service status")
	fmt.Println("  run        Run under the service manager (used by the installed unit)")
	fmt.Println()
	fmt.Println("Run without arguments to start in the foreground.")
}

// HandleServiceCommand handles "service <command>" arguments. It returns
// false when args are not a service command and the bot should run in the
// foreground.
func HandleServiceCommand(args []string) bool {
	if len(args) < 2 || args[1] != "service" {
		return false
	}
	if len(args) < 3 {
		printServiceUsage()
		return true
	}

	s, prg, err := newService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(core.ExitCodeError)
	}

	switch args[2] {
	case "install":
		err = s.Install()
	case "uninstall", "remove":
		err = s.Uninstall()
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "restart":
		err = s.Restart()
	case "status":
		status, statusErr := s.Status()
		if statusErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", statusErr)
			os.Exit(core.ExitCodeError)
		}
		fmt.Println(statusText(status))
		return true
	case "run":
		if err := s.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: service run failed: %v\n", err)
			os.Exit(core.ExitCodeError)
		}
		os.Exit(prg.code)
	case "help", "-h", "--help":
		printServiceUsage()
		return true
	default:
		fmt.Fprintf(os.Stderr, "Unknown service command %q\n\n", args[2])
		printServiceUsage()
		os.Exit(core.ExitCodeError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(core.ExitCodeError)
	}
	fmt.Printf("Service %s: ok\n", args[2])
	return true
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "Service is running"
	case service.StatusStopped:
		return "Service is stopped"
	default:
		return "Service status unknown"
	}
}
