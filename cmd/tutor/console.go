package main

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
)

// console writes the transcript and collaborator notices to the terminal. Every block is printed once,
// when it is final; ask threads are printed entry by entry.
type console struct {
	mu  sync.Mutex
	out io.Writer

	printed   map[string]bool
	askPrints map[string]int
	profile   map[string]string
}

// button is one choice parsed from an interaction payload.
type button struct {
	Label string
	Value string
}

var buttonPattern = regexp.MustCompile(`\?\[([^\]]*?)//([^\]]*)\]`)

func newConsole(out io.Writer) *console {
	return &console{
		out:       out,
		printed:   make(map[string]bool),
		askPrints: make(map[string]int),
		profile:   make(map[string]string),
	}
}

// parseButtons extracts the ?[label//value] choices of an interaction payload.
func parseButtons(payload string) []button {
	var res []button
	for _, m := range buttonPattern.FindAllStringSubmatch(payload, -1) {
		res = append(res, button{Label: strings.TrimSpace(m[1]), Value: strings.TrimSpace(m[2])})
	}
	return res
}

// choose maps a line typed by the learner to an interaction value: a button number, a button label or
// value, or free text when the interaction has no buttons.
func choose(payload, line string) (string, bool) {
	buttons := parseButtons(payload)
	if len(buttons) == 0 {
		return line, line != ""
	}
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(buttons) {
		return buttons[n-1].Value, true
	}
	for _, b := range buttons {
		if strings.EqualFold(line, b.Label) || line == b.Value {
			return b.Value, true
		}
	}
	return "", false
}

// print prints what became final in blocks. While busy, the tail of the transcript may still grow and is
// held back.
func (c *console) print(blocks []models.ContentBlock, busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, b := range blocks {
		if b.IsSentinel() {
			continue
		}
		tail := i == len(blocks)-1
		settled := b.Readonly || !busy || !tail

		switch b.Kind {
		case models.BlockKindAskThread:
			c.printAsk(b, busy && tail)
		case models.BlockKindInteraction:
			if c.printed[b.ID] {
				continue
			}
			c.printed[b.ID] = true
			c.printInteraction(b)
		default:
			if c.printed[b.ID] || !settled {
				continue
			}
			c.printed[b.ID] = true
			c.printBlock(b)
		}
	}
}

func (c *console) printBlock(b models.ContentBlock) {
	switch b.Kind {
	case models.BlockKindContent:
		fmt.Fprintf(c.out, "\n%s\n", strings.TrimSpace(b.Text))
	case models.BlockKindError:
		fmt.Fprintf(c.out, "\n! %s\n", b.Text)
	case models.BlockKindLikeStatus:
		fmt.Fprintf(c.out, "  (%s)\n", b.LikeStatus)
	}
}

func (c *console) printInteraction(b models.ContentBlock) {
	buttons := parseButtons(b.Text)
	if b.UserInput != "" {
		fmt.Fprintf(c.out, "> %s\n", b.UserInput)
		return
	}
	if len(buttons) == 0 {
		fmt.Fprintln(c.out, "> (type your answer)")
		return
	}
	for i, btn := range buttons {
		fmt.Fprintf(c.out, "  [%d] %s\n", i+1, btn.Label)
	}
}

// printAsk prints the entries of an ask thread that were not printed yet. The last entry of a growing
// thread is held back.
func (c *console) printAsk(b models.ContentBlock, growing bool) {
	done := len(b.AskEntries)
	if growing {
		done--
	}
	for i := c.askPrints[b.ID]; i < done; i++ {
		e := b.AskEntries[i]
		if e.Role == models.AskRoleAsk {
			fmt.Fprintf(c.out, "  ? %s\n", e.Text)
			continue
		}
		fmt.Fprintf(c.out, "  = %s\n", strings.TrimSpace(e.Text))
	}
	if done > c.askPrints[b.ID] {
		c.askPrints[b.ID] = done
	}
}

func (c *console) notice(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "-- "+format+"\n", args...)
}

// UpdateOutline reports outline progress.
func (c *console) UpdateOutline(u models.OutlineItemUpdate) {
	switch {
	case u.Title != "":
		c.notice("%s (%s): %s", u.Title, u.OutlineID, u.Status)
	default:
		c.notice("%s: %s", u.OutlineID, u.Status)
	}
}

// SwitchLesson reports that the stream moved on to another lesson.
func (c *console) SwitchLesson(lessonID string) {
	c.notice("now in lesson %s", lessonID)
}

// UpdateProfile remembers a learner profile value.
func (c *console) UpdateProfile(key, value string) {
	c.mu.Lock()
	c.profile[key] = value
	c.mu.Unlock()
	c.notice("profile %s = %s", key, value)
}

// ShowPayment tells the learner the rest of the course is locked.
func (c *console) ShowPayment() {
	c.notice("this part of the course requires a subscription")
}
