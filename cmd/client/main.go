package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/replicore/examples/arena"
	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/injector"
	"github.com/zeusync/replicore/sdk/go/client"
)

// circling walks the player in a slow circle and tags every few seconds.
type circling struct{}

func (circling) Sample(tick models.Tick) arena.Input {
	return arena.Input{
		MoveZ: 127,
		Yaw:   uint8(tick / 4),
		Tag:   tick%180 == 0,
	}
}

func main() {
	path := flag.String("config", "", "path to a yaml or toml config file")
	name := flag.String("name", "", "player name")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
	}
	if *name != "" {
		cfg.Replica.Name = *name
	}

	c, err := injector.InitializeClient(cfg, circling{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error creating client:", err)
		os.Exit(1)
	}

	c.On(client.EventTypeJoined, func(ev client.Event) error {
		fmt.Printf("joined as slot %d\n", ev.Replica.Slot())
		return nil
	})
	var lastReport time.Time
	c.On(client.EventTypeFrame, func(ev client.Event) error {
		if time.Since(lastReport) < time.Second {
			return nil
		}
		lastReport = time.Now()
		report(ev.Replica)
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Client stopped:", err)
		os.Exit(1)
	}
}

func report(r *orchestrator.Replica) {
	r.Entities(func(e *replication.Entity) bool {
		if e.Class().Name != arena.ClassPlayer {
			return true
		}
		name, _ := e.GetByName("name")
		health, _ := e.GetByName("health")
		pos, err := r.RenderValue(e.Local(), 0, "position", time.Now())
		if err != nil {
			return true
		}
		p := pos.AsVec3()
		fmt.Printf("%-12s hp=%3d pos=(%6.2f, %6.2f)\n", name.AsString(), health.AsUint64(), p.X(), p.Z())
		return true
	})
}
