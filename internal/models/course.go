package models

import (
	"fmt"
	"strings"
)

// Course is the outline tree served by the lesson backend: chapters made of leaf lessons, each lesson a
// sequence of sections the tutor walks through.
type Course struct {
	ID       string    `yaml:"id" json:"id"`
	Title    string    `yaml:"title" json:"title"`
	Chapters []Chapter `yaml:"chapters" json:"chapters"`
}

// Chapter groups lessons. It is an outline node with children.
type Chapter struct {
	ID      string   `yaml:"id" json:"id"`
	Title   string   `yaml:"title" json:"title"`
	Lessons []Lesson `yaml:"lessons" json:"lessons"`
}

// Lesson is a leaf outline node.
type Lesson struct {
	ID       string    `yaml:"id" json:"id"`
	Title    string    `yaml:"title" json:"title"`
	Sections []Section `yaml:"sections" json:"-"`
}

// Section is one generated block of a lesson, optionally followed by an interaction the learner answers
// before the lesson moves on.
type Section struct {
	Prompt  string   `yaml:"prompt"`
	Buttons []Button `yaml:"buttons"`
	// ProfileKey saves the learner's answer to the interaction under this profile key.
	ProfileKey string `yaml:"profileKey"`
	// Paywall replaces the buttons with the payment action.
	Paywall bool `yaml:"paywall"`
}

// Button is one choice of an interaction.
type Button struct {
	Label string `yaml:"label"`
	Value string `yaml:"value"`
}

// PayAction is the interaction value that opens the payment wall.
const PayAction = "_sys_pay"

// Interactive reports whether the section ends with an interaction.
func (s Section) Interactive() bool {
	return s.Paywall || len(s.Buttons) > 0
}

// InteractionPayload renders the section's interaction in the ?[label//value] syntax.
func (s Section) InteractionPayload() string {
	if s.Paywall {
		return fmt.Sprintf("?[Unlock the full course//%s]", PayAction)
	}
	parts := make([]string, len(s.Buttons))
	for i, b := range s.Buttons {
		parts[i] = fmt.Sprintf("?[%s//%s]", b.Label, b.Value)
	}
	return strings.Join(parts, " ")
}

// Lesson finds a lesson by id. It returns the chapter holding it and the lesson that follows it in the
// same chapter, if any.
func (c Course) Lesson(id string) (chapter Chapter, lesson Lesson, next *Lesson, ok bool) {
	for _, ch := range c.Chapters {
		for i, l := range ch.Lessons {
			if l.ID != id {
				continue
			}
			if i+1 < len(ch.Lessons) {
				n := ch.Lessons[i+1]
				next = &n
			}
			return ch, l, next, true
		}
	}
	return Chapter{}, Lesson{}, nil, false
}

// Validate checks that the course has ids and that outline ids are unique.
func (c Course) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("course id is required")
	}
	seen := map[string]bool{}
	for _, ch := range c.Chapters {
		if ch.ID == "" || seen[ch.ID] {
			return fmt.Errorf("chapter id %q is empty or duplicated", ch.ID)
		}
		seen[ch.ID] = true
		for _, l := range ch.Lessons {
			if l.ID == "" || seen[l.ID] {
				return fmt.Errorf("lesson id %q is empty or duplicated", l.ID)
			}
			seen[l.ID] = true
			if len(l.Sections) == 0 {
				return fmt.Errorf("lesson %q has no sections", l.ID)
			}
		}
	}
	return nil
}
