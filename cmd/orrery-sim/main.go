// Package main is the entry point for orrery-sim, an interactive
// dashboard running the automation core against a small demo world.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/eval"
	"github.com/orrery-sim/orrery/internal/logging"
	"github.com/orrery-sim/orrery/internal/models"
	"github.com/orrery-sim/orrery/internal/routines"
	"github.com/orrery-sim/orrery/internal/rules"
	"github.com/orrery-sim/orrery/internal/scheduler"
	"github.com/orrery-sim/orrery/internal/sim"
	"github.com/orrery-sim/orrery/internal/simtui"
)

func main() {
	refresh := flag.Duration("refresh", 500*time.Millisecond, "dashboard refresh interval")
	tick := flag.Duration("tick", 100*time.Millisecond, "frame scheduler tick interval")
	flag.Parse()

	// Keep log output away from the alternate screen.
	logging.Init(logging.Config{Level: "error", Format: "console"})

	core, cleanup, err := assemble(*tick)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := simtui.Run(core, simtui.Config{RefreshInterval: *refresh}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func assemble(tick time.Duration) (simtui.Core, func(), error) {
	eventBus := bus.New()
	world := sim.NewWorld(eventBus)
	seedWorld(world)

	evaluator := eval.NewEvaluator(world.Resource, world.Entity, eventBus)
	executor, err := eval.NewExecutor(world.Apply, eventBus, evaluator)
	if err != nil {
		return simtui.Core{}, nil, err
	}

	frames := scheduler.New(scheduler.Config{TickInterval: tick}, eventBus)

	engine := rules.New(eventBus, evaluator, executor, world.Entity)
	if err := engine.Attach(frames); err != nil {
		return simtui.Core{}, nil, err
	}

	routineSched := routines.New(eventBus, evaluator, executor)
	if err := routineSched.Initialize(frames); err != nil {
		return simtui.Core{}, nil, err
	}

	if err := seedAutomation(engine, routineSched); err != nil {
		return simtui.Core{}, nil, err
	}

	if err := frames.Start(context.Background()); err != nil {
		return simtui.Core{}, nil, err
	}

	cleanup := func() {
		_ = frames.Stop()
		engine.Close()
		routineSched.Close()
	}

	core := simtui.Core{Bus: eventBus, Frames: frames, World: world}
	return core, cleanup, nil
}

func seedWorld(world *sim.World) {
	world.SetResource("energy", 120)
	world.SetResource("ore", 40)
	world.SetResource("alloy", 0)

	world.AddEntity("reactor", true, "nominal", 1)
	world.AddEntity("drill", true, "nominal", 1)
	world.AddEntity("refinery", false, "standby", 1)
}

func seedAutomation(engine *rules.Engine, routineSched *routines.Scheduler) error {
	demoRules := []models.Rule{
		{
			ID:       "reactor-output",
			EntityID: "reactor",
			Name:     "Reactor output",
			Enabled:  true,
			Interval: 2 * time.Second,
			Actions: []models.Action{
				{Kind: models.ActionProduceResource, Resource: "energy", Amount: 10},
			},
		},
		{
			ID:       "drill-mining",
			EntityID: "drill",
			Name:     "Drill mining",
			Enabled:  true,
			Interval: 3 * time.Second,
			Conditions: []models.Condition{
				{Kind: models.ConditionResourceAbove, Target: "energy", Value: 20},
			},
			Actions: []models.Action{
				{Kind: models.ActionConsumeResource, Resource: "energy", Amount: 5},
				{Kind: models.ActionProduceResource, Resource: "ore", Amount: 3},
			},
		},
		{
			ID:       "refinery-smelting",
			EntityID: "refinery",
			Name:     "Refinery smelting",
			Enabled:  true,
			Interval: 4 * time.Second,
			Conditions: []models.Condition{
				{Kind: models.ConditionResourceAbove, Target: "ore", Value: 10},
			},
			Actions: []models.Action{
				{Kind: models.ActionConsumeResource, Resource: "ore", Amount: 8},
				{Kind: models.ActionConsumeResource, Resource: "energy", Amount: 15},
				{Kind: models.ActionProduceResource, Resource: "alloy", Amount: 2},
			},
		},
	}
	for _, rule := range demoRules {
		if err := engine.Register(rule); err != nil {
			return err
		}
	}

	demoRoutines := []models.Routine{
		{
			ID:       "refinery-manager",
			Name:     "Refinery manager",
			Kind:     models.RoutineKindResourceBalancing,
			Enabled:  true,
			Priority: models.PriorityNormal,
			Interval: 5 * time.Second,
			Conditions: []models.Condition{
				{Kind: models.ConditionResourceAbove, Target: "ore", Value: 25},
				{Kind: models.ConditionEntityInactive, Target: "refinery"},
			},
			Actions: []models.Action{
				{Kind: models.ActionActivateEntity, Target: "refinery"},
			},
		},
		{
			ID:       "brownout-guard",
			Name:     "Brownout guard",
			Kind:     models.RoutineKindEmergencyResponse,
			Enabled:  true,
			Priority: models.PriorityCritical,
			Interval: 10 * time.Second,
			Conditions: []models.Condition{
				{Kind: models.ConditionResourceBelow, Target: "energy", Value: 10},
				{Kind: models.ConditionEntityActive, Target: "refinery"},
			},
			Actions: []models.Action{
				{Kind: models.ActionDeactivateEntity, Target: "refinery"},
			},
		},
	}
	for _, routine := range demoRoutines {
		if err := routineSched.Register(routine); err != nil {
			return err
		}
	}
	return nil
}
