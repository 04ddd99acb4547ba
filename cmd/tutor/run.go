package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/conversation"
	"github.com/MegaGrindStone/shifu-stream/internal/markdown"
	"github.com/MegaGrindStone/shifu-stream/internal/models"
	"github.com/MegaGrindStone/shifu-stream/internal/services"
	"github.com/spf13/cobra"
)

const runHelp = `Commands while the lesson runs:
  <text>            answer the open interaction, or send text to the tutor
  /ask <question>   ask about the last lesson block
  /regen            generate the last lesson block again
  /like, /dislike   rate the last lesson block
  /stop             stop the current output
  /lesson <id>      switch to another lesson
  /quit             leave`

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run COURSE LESSON",
		Short: "Follow a lesson interactively",
		Long:  "Follow a lesson interactively.\n\n" + runHelp,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLesson(ctx, cmd, opts, args[0], args[1])
		},
	}
}

func runLesson(ctx context.Context, cmd *cobra.Command, opts *options, courseID, lessonID string) error {
	logger := opts.logger

	db, err := services.NewBoltDB(opts.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	out := newConsole(cmd.OutOrStdout())
	renderer := markdown.Typewriter{
		Next:    markdown.NewHTMLRenderer(opts.Style, logger),
		PerRune: opts.TypingSpeed,
	}

	conv := conversation.New(
		services.NewSSETransport(opts.Server, opts.Token, logger),
		conversation.Options{
			Renderer:    renderer,
			LessonTree:  out,
			Profile:     out,
			Payment:     out,
			History:     services.NewHistoryClient(opts.Server, opts.Token, logger),
			Snapshots:   db,
			PreviewMode: opts.PreviewMode,
		},
		logger,
	)
	defer conv.Close()

	updates := make(chan []models.ContentBlock, 1)
	unsubscribe := conv.Subscribe(func(blocks []models.ContentBlock) {
		// Only the latest snapshot matters; an unread one is replaced.
		for {
			select {
			case updates <- blocks:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := openLesson(ctx, conv, courseID, lessonID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	last := conv.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return nil
		case blocks := <-updates:
			last = blocks
			out.print(last, conv.IsBusy())
		case <-ticker.C:
			// The end of a turn does not always change the transcript.
			out.print(last, conv.IsBusy())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, conv, line)
			if err != nil {
				logger.Debug("Command failed", slog.String("line", line), slog.String("err", err.Error()))
				out.notice("%s", commandError(err))
			}
			if quit {
				return nil
			}
		}
	}
}

// openLesson loads the lesson's history and starts it when there is nothing to continue.
func openLesson(ctx context.Context, conv *conversation.Conversation, courseID, lessonID string) error {
	if err := conv.LoadLesson(ctx, courseID, lessonID); err != nil {
		return fmt.Errorf("failed to load lesson: %w", err)
	}
	if conv.IsBusy() || len(conv.Snapshot()) > 0 {
		return nil
	}
	return conv.Start(conversation.StartParams{
		CourseID:  courseID,
		LessonID:  lessonID,
		InputKind: models.InputKindNormal,
	})
}

func handleLine(ctx context.Context, conv *conversation.Conversation, line string) (bool, error) {
	if line == "" {
		return false, nil
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	blocks := conv.Snapshot()

	switch command {
	case "/quit":
		return true, nil
	case "/stop":
		conv.Cancel()
		return false, nil
	case "/lesson":
		courseID, _ := conv.Lesson()
		return false, openLesson(ctx, conv, courseID, arg)
	case "/ask":
		id, ok := lastContent(blocks)
		if !ok {
			return false, errors.New("nothing to ask about yet")
		}
		return false, conv.Ask(id, arg)
	case "/regen":
		id, ok := lastContent(blocks)
		if !ok {
			return false, errors.New("nothing to regenerate yet")
		}
		return false, conv.Regenerate(id)
	case "/like", "/dislike":
		id, ok := lastContent(blocks)
		if !ok {
			return false, errors.New("nothing to rate yet")
		}
		return false, conv.SetLikeStatus(id, models.ParseLikeStatus(strings.TrimPrefix(command, "/")))
	}

	if b, ok := openInteraction(blocks); ok {
		value, ok := choose(b.Text, line)
		if !ok {
			return false, fmt.Errorf("%q is not one of the choices", line)
		}
		return false, conv.Respond(b.ID, value)
	}
	return false, conv.Send(line)
}

func commandError(err error) string {
	switch {
	case errors.Is(err, conversation.ErrOutputInProgress):
		return "wait for the tutor to finish, or /stop it"
	case errors.Is(err, conversation.ErrNoLesson):
		return "no lesson is loaded"
	default:
		return err.Error()
	}
}

func lastContent(blocks []models.ContentBlock) (string, bool) {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Kind == models.BlockKindContent && !blocks[i].IsSentinel() {
			return blocks[i].ID, true
		}
	}
	return "", false
}

func openInteraction(blocks []models.ContentBlock) (models.ContentBlock, bool) {
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if b.Kind == models.BlockKindInteraction && !b.Readonly {
			return b, true
		}
	}
	return models.ContentBlock{}, false
}
