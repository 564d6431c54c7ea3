// Command durablectl is the operator CLI for a durable orchestration host:
// start orchestrations, inspect status, raise events, terminate, and purge
// history. Its serve command prints the configured host and store driver
// and returns; durablectl registers no functions and runs no scheduler.
// Built with
// github.com/alecthomas/kong, with hand-written subcommands rather than
// reflection-driven auto-discovery (see DESIGN.md).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-durable/engine"
)

type cli struct {
	Config string `help:"Path to a YAML config file." default:"durable.yaml"`

	Start      startCmd      `cmd:"" help:"Start a new orchestration instance."`
	Status     statusCmd     `cmd:"" help:"Show an instance's status."`
	RaiseEvent raiseEventCmd `cmd:"" help:"Raise an external event on an instance."`
	Terminate  terminateCmd  `cmd:"" help:"Force-complete an instance."`
	Purge      purgeCmd      `cmd:"" help:"Delete an instance's history."`
	Serve      serveCmd      `cmd:"" help:"Print the configured host and store driver (runs no scheduler)."`
}

type appContext struct {
	client *engine.Client
	store  engine.Store
	config engine.Config
}

func (c *cli) newAppContext() (*appContext, error) {
	data, err := os.ReadFile(c.Config)
	var cfg engine.Config
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		cfg = engine.Config{HostID: "durable-host-1", Store: engine.StoreConfig{Driver: "memory"}}
	} else {
		cfg, err = engine.ParseConfig(data)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	store, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	return &appContext{
		client: engine.NewClient(store, engine.WithMaxInputSize(cfg.MaxInputSize)),
		store:  store,
		config: cfg,
	}, nil
}

func buildStore(cfg engine.StoreConfig) (engine.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return engine.NewMemoryStore(), nil
	case "sqlite":
		return nil, fmt.Errorf("sqlite store requires a database/sql.DB; wire it in a host process, not durablectl")
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

type startCmd struct {
	InstanceID   string `arg:"" help:"Instance id to create."`
	FunctionName string `arg:"" help:"Registered orchestrator function name."`
	Input        string `arg:"" optional:"" help:"JSON input payload."`
}

func (s *startCmd) Run(c *cli) error {
	app, err := c.newAppContext()
	if err != nil {
		return err
	}
	var input any
	if s.Input != "" {
		input = json.RawMessage(s.Input)
	}
	return app.client.StartNew(context.Background(), s.InstanceID, s.FunctionName, input)
}

type statusCmd struct {
	InstanceID string `arg:"" help:"Instance id to inspect."`
}

func (s *statusCmd) Run(c *cli) error {
	app, err := c.newAppContext()
	if err != nil {
		return err
	}
	status, err := app.client.GetStatus(context.Background(), s.InstanceID)
	if err != nil {
		return err
	}
	fmt.Printf("instance=%s function=%s status=%s updated_at=%s\n",
		status.InstanceID, status.FunctionName, status.Status, status.UpdatedAt.Format(time.RFC3339))
	if status.Failure != nil {
		fmt.Printf("failure: %s\n", status.Failure.Error())
	}
	return nil
}

type raiseEventCmd struct {
	InstanceID string `arg:"" help:"Instance id to signal."`
	EventName  string `arg:"" help:"Event name."`
	Payload    string `arg:"" optional:"" help:"JSON payload."`
}

func (r *raiseEventCmd) Run(c *cli) error {
	app, err := c.newAppContext()
	if err != nil {
		return err
	}
	var payload any
	if r.Payload != "" {
		payload = json.RawMessage(r.Payload)
	}
	return app.client.RaiseEvent(context.Background(), r.InstanceID, r.EventName, payload)
}

type terminateCmd struct {
	InstanceID string `arg:"" help:"Instance id to terminate."`
	Reason     string `arg:"" optional:"" help:"Termination reason."`
}

func (t *terminateCmd) Run(c *cli) error {
	app, err := c.newAppContext()
	if err != nil {
		return err
	}
	return app.client.Terminate(context.Background(), t.InstanceID, t.Reason)
}

type purgeCmd struct {
	InstanceID string `arg:"" help:"Instance id to purge."`
	Cascade    bool   `help:"Also purge descendant instances (activity and sub-orchestrator children)."`
}

func (p *purgeCmd) Run(c *cli) error {
	app, err := c.newAppContext()
	if err != nil {
		return err
	}
	n, err := app.client.PurgeInstanceHistory(context.Background(), p.InstanceID, p.Cascade)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d record(s)\n", n)
	return nil
}

type serveCmd struct {
	PollInterval  time.Duration `help:"Scheduler poll interval (accepted but not used by serve)." default:"500ms"`
	LeaseDuration time.Duration `help:"Lease duration granted per claim (accepted but not used by serve)." default:"30s"`
}

func (s *serveCmd) Run(c *cli) error {
	app, err := c.newAppContext()
	if err != nil {
		return err
	}
	fmt.Printf("durablectl serve: host=%s driver=%s\n", app.config.HostID, app.config.Store.Driver)
	fmt.Println("register orchestrators/activities in a host process embedding engine.Scheduler; durablectl serve alone has no functions registered")
	return nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("durablectl"),
		kong.Description("Operator CLI for a durable orchestration host."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&c)
	kctx.FatalIfErrorf(err)
}
