// Package cli implements taskctl, a local command-line client for the task flow.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/vocab"
)

type globalOptions struct {
	locale      string
	catalogFile string
	vocabFile   string
	logLevel    string
}

// NewRootCmd builds the taskctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Talk to the task flow from a terminal",
		Long: `taskctl runs the conversational task flow locally. It negotiates tasks
from natural-language requests, shows the learned preferences of a tenant and
lists the task catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.locale, "locale", "l", "pl", "Conversation locale (pl, en)")
	root.PersistentFlags().StringVar(&opts.catalogFile, "catalog", "", "Task catalog YAML file (default: builtin)")
	root.PersistentFlags().StringVar(&opts.vocabFile, "vocab", "", "Vocabulary YAML file (default: builtin)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newChatCmd(opts))
	root.AddCommand(newCatalogCmd(opts))
	root.AddCommand(newPrefsCmd(opts))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *globalOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(o.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", o.logLevel)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func (o *globalOptions) loadCatalog() (*catalog.Catalog, error) {
	if o.catalogFile == "" {
		return catalog.Builtin(), nil
	}
	return catalog.LoadFile(o.catalogFile)
}

func (o *globalOptions) loadVocab() (vocab.Tables, error) {
	return vocab.LoadFile(o.vocabFile)
}
