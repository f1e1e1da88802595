package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newShellCmd starts an interactive REPL. Each entered line runs as its own
// relayctl command, which dials the relay afresh; lines do not share a
// connection.
//
// Grounded on the teacher's interactive-session shape (readline-driven
// command loop with history); narrowed here to relayctl's four verbs
// rather than a general agent chat loop.
func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive relayctl session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("shell requires an interactive terminal; pipe commands to `relayctl call` instead")
			}
			return runShell()
		},
	}
}

func runShell() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "relayctl> ",
		HistoryFile:     historyFilePath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		args := splitShellArgs(line)

		shellCmd := newRootCmd()
		shellCmd.SetArgs(args)
		if err := shellCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

// splitShellArgs tokenizes one shell input line, respecting double-quoted
// substrings so a --params value containing spaces (a JSON object) can be
// passed as a single argument.
func splitShellArgs(line string) []string {
	var args []string
	var cur strings.Builder
	inQuotes := false

	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return args
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.relayctl_history"
}
