package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// options are the settings shared by every command. They are read from the config file first; flags
// given on the command line take precedence.
type options struct {
	Server      string        `yaml:"server"`
	Token       string        `yaml:"token"`
	DBPath      string        `yaml:"dbPath"`
	LogLevel    string        `yaml:"logLevel"`
	PreviewMode bool          `yaml:"previewMode"`
	TypingSpeed time.Duration `yaml:"typingSpeed"`
	Style       string        `yaml:"style"`

	configPath string
	logger     *slog.Logger
}

func defaultOptions() *options {
	return &options{
		Server:   "http://localhost:8080",
		LogLevel: "warn",
		Style:    "monokai",
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := defaultOptions()

	root := &cobra.Command{
		Use:          "tutor",
		Short:        "Terminal client for streamed AI lessons",
		Long:         `Follow a lesson in the terminal: the tutor streams lesson blocks from the lesson server and lets you answer, ask and rate them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	root.SetIn(in)
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "config file")
	flags.StringVarP(&opts.Server, "server", "s", opts.Server, "lesson server URL")
	flags.StringVarP(&opts.Token, "token", "t", "", "bearer token for the lesson server")
	flags.StringVar(&opts.DBPath, "db", "", "local snapshot database (default is next to the config file)")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", opts.LogLevel, "log level")
	flags.BoolVar(&opts.PreviewMode, "preview", false, "open lessons in preview mode")

	root.AddCommand(newRunCmd(opts), newHistoryCmd(opts))
	return root
}

// load merges the config file under the flags the user set explicitly.
func (o *options) load(cmd *cobra.Command) error {
	fromFile := defaultOptions()
	data, err := os.ReadFile(o.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("error reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, fromFile); err != nil {
			return fmt.Errorf("error decoding config file: %w", err)
		}
	}

	flags := cmd.Flags()
	if !flags.Changed("server") {
		o.Server = fromFile.Server
	}
	if !flags.Changed("token") {
		o.Token = fromFile.Token
	}
	if o.Token == "" {
		o.Token = os.Getenv("SHIFU_TOKEN")
	}
	if !flags.Changed("db") {
		o.DBPath = fromFile.DBPath
	}
	if o.DBPath == "" {
		o.DBPath = filepath.Join(filepath.Dir(o.configPath), "tutor.db")
	}
	if !flags.Changed("log-level") {
		o.LogLevel = fromFile.LogLevel
	}
	if !flags.Changed("preview") {
		o.PreviewMode = fromFile.PreviewMode
	}
	o.TypingSpeed = fromFile.TypingSpeed
	o.Style = fromFile.Style

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func defaultConfigPath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "tutor.yaml"
	}
	return filepath.Join(cfgDir, "shifu", "tutor.yaml")
}
