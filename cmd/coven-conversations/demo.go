// ABOUTME: demo command driving the conversation manager like a request layer
// ABOUTME: Each simulated request gets its own scope; results print as a checklist

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-conversations/internal/conversation"
	"github.com/2389/coven-conversations/internal/ledger"
	"github.com/2389/coven-conversations/internal/reaper"
	"github.com/2389/coven-conversations/internal/tombstone"
)

// DemoCmd runs lifecycle scenarios against an in-memory manager
type DemoCmd struct {
	Requests int  `default:"8" help:"Concurrent simulated requests"`
	NoLedger bool `help:"Do not record events in the ledger"`
}

// cart is a conversational attribute that reports when it is released.
type cart struct {
	mu    sync.Mutex
	items []string
}

func (c *cart) add(item string) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
}

func (c *cart) Release(t conversation.EndingType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t != conversation.EndSuccess {
		c.items = nil
	}
	return nil
}

type step struct {
	name string
	err  error
}

// Run executes the demo command
func (d *DemoCmd) Run(rt *runtime) error {
	events := conversation.NewEventBroadcaster(rt.logger)
	mgr := conversation.NewManager(conversation.NewMemoryStore(), events, rt.logger)

	var consumers sync.WaitGroup
	if rt.cfg.Ledger.Enabled && !d.NoLedger {
		l, err := ledger.Open(rt.cfg.Ledger.Path, rt.logger)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer l.Close()

		ch, _ := events.Subscribe(rt.ctx)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			l.Consume(context.WithoutCancel(rt.ctx), ch)
		}()
	}

	stones := tombstone.New(rt.cfg.Conversation.TombstoneTTL, rt.cfg.Conversation.TombstoneMax)
	defer stones.Close()
	stoneCh, _ := events.Subscribe(rt.ctx)
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		stones.Consume(context.WithoutCancel(rt.ctx), stoneCh)
	}()

	r := reaper.New(mgr, reaper.Config{
		IdleTimeout:        rt.cfg.Conversation.IdleTimeout,
		LongRunningTimeout: rt.cfg.Conversation.LongRunningTimeout,
		Interval:           rt.cfg.Conversation.SweepInterval,
	}, rt.logger)
	r.Start()
	defer r.Close()

	steps, endedID := showcase(rt.ctx, mgr)

	var wg sync.WaitGroup
	results := make([]error, d.Requests)
	for i := range d.Requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = simulateRequest(rt.ctx, mgr, i)
		}()
	}
	wg.Wait()
	for i, err := range results {
		steps = append(steps, step{name: fmt.Sprintf("request %d: temporary, root and nested lifecycle", i), err: err})
	}

	events.Close()
	consumers.Wait()

	if endedID != "" {
		stone, ok := stones.Lookup(endedID)
		steps = append(steps, step{
			name: "ended A is remembered with its ending type",
			err:  expectTombstone(stone, ok, conversation.EndSuccess),
		})
	}

	failed := printSteps(steps)
	fmt.Printf("\n%d live conversations left\n", len(mgr.Conversations()))
	if failed > 0 {
		return fmt.Errorf("%d scenario steps failed", failed)
	}
	return nil
}

// simulateRequest mirrors what a request layer does for one inbound request.
func simulateRequest(ctx context.Context, mgr *conversation.Manager, n int) error {
	ctx = conversation.WithScope(ctx, conversation.NewScope())

	v, err := mgr.Attribute(ctx, "cart", func() (any, error) { return &cart{}, nil })
	if err != nil {
		return err
	}
	v.(*cart).add(fmt.Sprintf("item-%d", n))
	if err := mgr.EndTemporary(ctx, conversation.EndSuccess); err != nil {
		return err
	}

	root, err := mgr.Begin(ctx, true, conversation.JoinRoot)
	if err != nil {
		return err
	}
	if err := root.SetAttribute("request", n); err != nil {
		return err
	}
	nested, err := mgr.Begin(ctx, false, conversation.JoinNested)
	if err != nil {
		return err
	}
	if err := root.End(conversation.EndSuccess); !errors.Is(err, conversation.ErrIllegalState) {
		return fmt.Errorf("ending parent with live child: got %v", err)
	}
	if err := nested.End(conversation.EndSuccess); err != nil {
		return err
	}
	if mgr.Current(ctx) != root {
		return fmt.Errorf("parent not restored after nested end")
	}
	return root.End(conversation.EndSuccess)
}

// showcase walks through each join mode in order and records every check.
// It returns the id of the root it ended last.
func showcase(ctx context.Context, mgr *conversation.Manager) ([]step, string) {
	var steps []step
	check := func(name string, err error) {
		steps = append(steps, step{name: name, err: err})
	}
	expect := func(cond bool, format string, args ...any) error {
		if cond {
			return nil
		}
		return fmt.Errorf(format, args...)
	}

	ctx = conversation.WithScope(ctx, conversation.NewScope())

	a, err := mgr.Begin(ctx, false, conversation.JoinRoot)
	check("begin root A", err)
	if err != nil {
		return steps, ""
	}
	_, err = mgr.Begin(ctx, false, conversation.JoinRoot)
	check("second root is rejected while A is current",
		expect(errors.Is(err, conversation.ErrIllegalState), "got %v", err))

	_ = a.SetAttribute("x", "inherited")
	nested, err := mgr.Begin(ctx, false, conversation.JoinNested)
	check("begin nested under A", err)
	if err == nil {
		v, _, _ := nested.Attribute("x")
		check("nested sees parent attribute", expect(v == "inherited", "got %v", v))
		isolated, err := mgr.Begin(ctx, false, conversation.JoinIsolated)
		check("begin isolated under nested", err)
		if err == nil {
			_, ok, _ := isolated.Attribute("x")
			check("isolated hides parent attribute", expect(!ok, "attribute leaked"))
			check("end isolated", isolated.End(conversation.EndCancelled))
		}
		check("end nested", nested.End(conversation.EndSuccess))
	}

	joined, err := mgr.Begin(ctx, false, conversation.JoinJoined)
	check("join reuses A", firstErr(err, expect(joined == a, "joined a different conversation")))

	other := conversation.WithScope(context.WithoutCancel(ctx), conversation.NewScope())
	resumed, err := mgr.Resume(other, a.ID())
	check("second scope resumes A", firstErr(err, expect(resumed == a, "resumed a different conversation")))

	b, err := mgr.Begin(ctx, false, conversation.JoinNew)
	check("begin new root B replaces the chain", firstErr(err, expect(mgr.Current(ctx) == b, "B is not current")))
	if err == nil {
		check("end B", b.End(conversation.EndSuccess))
		_, ok := mgr.Resolver().CurrentID(ctx)
		check("nothing current after B", expect(!ok, "a conversation is still current"))
	}

	check("end A", a.End(conversation.EndSuccess))
	check("second scope falls back to none", expect(mgr.Current(other) == nil, "A still current in second scope"))
	_, err = mgr.Resume(other, a.ID())
	check("resuming ended A is rejected", expect(errors.Is(err, conversation.ErrNotFound), "got %v", err))
	return steps, a.ID()
}

func expectTombstone(stone tombstone.Tombstone, ok bool, want conversation.EndingType) error {
	if !ok {
		return errors.New("no tombstone recorded")
	}
	if stone.EndingType != want {
		return fmt.Errorf("ending type %s, want %s", stone.EndingType, want)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func printSteps(steps []step) int {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)

	failed := 0
	for _, s := range steps {
		if s.err == nil {
			green.Print("    ✓ ")
			fmt.Println(s.name)
			continue
		}
		failed++
		red.Print("    ✗ ")
		fmt.Printf("%s: %v\n", s.name, s.err)
	}
	return failed
}
