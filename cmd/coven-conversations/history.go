// ABOUTME: history and config commands for inspecting recorded state
// ABOUTME: Reads the SQLite ledger and prints the effective configuration as YAML

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-conversations/internal/conversation"
	"github.com/2389/coven-conversations/internal/ledger"
)

// HistoryCmd prints lifecycle ledger entries
type HistoryCmd struct {
	Conversation string `help:"Only entries for this conversation ID"`
	Type         string `help:"Only entries of this type (begun, joined, resumed, ended)"`
	Limit        int    `default:"50" help:"Maximum entries"`
}

// Run executes the history command
func (h *HistoryCmd) Run(rt *runtime) error {
	if _, err := os.Stat(rt.cfg.Ledger.Path); err != nil {
		return fmt.Errorf("ledger not found at %s: %w", rt.cfg.Ledger.Path, err)
	}
	l, err := ledger.Open(rt.cfg.Ledger.Path, rt.logger)
	if err != nil {
		return err
	}
	defer l.Close()

	filter := ledger.Filter{Limit: h.Limit}
	if h.Conversation != "" {
		filter.ConversationID = &h.Conversation
	}
	if h.Type != "" {
		t := conversation.EventType(h.Type)
		filter.Type = &t
	}

	entries, err := l.List(rt.ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No lifecycle entries.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	for _, e := range entries {
		gray.Printf("%s ", e.Timestamp.Local().Format("2006-01-02 15:04:05.000"))
		cyan.Printf("%-8s ", e.Type)
		fmt.Print(e.ConversationID)

		var details []string
		if e.ParentID != "" {
			details = append(details, "parent="+e.ParentID)
		}
		if e.JoinMode != "" {
			details = append(details, "mode="+string(e.JoinMode))
		}
		if e.EndingType != "" {
			details = append(details, "ending="+string(e.EndingType))
		}
		if e.Temporary {
			details = append(details, "temporary")
		}
		if e.LongRunning {
			details = append(details, "long-running")
		}
		if len(e.AttributeNames) > 0 {
			details = append(details, "attributes="+strings.Join(e.AttributeNames, ","))
		}
		if len(details) > 0 {
			gray.Printf(" %s", strings.Join(details, " "))
		}
		fmt.Println()
	}
	return nil
}

// ShowCmd prints the effective configuration
type ShowCmd struct{}

// Run executes the config command
func (s *ShowCmd) Run(rt *runtime) error {
	out, err := yaml.Marshal(rt.cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
