package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/allyourbase/alterd/internal/cli/ui"
)

const (
	groupServer = "server"
	groupAlter  = "alter"
	groupConfig = "config"
)

var commandGroups = map[string]string{
	"start":      groupServer,
	"stop":       groupServer,
	"status":     groupServer,
	"logs":       groupServer,
	"stats":      groupServer,
	"checkpoint": groupServer,

	"jobs":    groupAlter,
	"rollup":  groupAlter,
	"journal": groupAlter,

	"config":  groupConfig,
	"version": groupConfig,
}

func initHelp() {
	rootCmd.AddGroup(
		&cobra.Group{ID: groupServer, Title: "SERVER"},
		&cobra.Group{ID: groupAlter, Title: "ALTER JOBS"},
		&cobra.Group{ID: groupConfig, Title: "CONFIGURATION"},
	)
	for _, cmd := range rootCmd.Commands() {
		cmd.GroupID = commandGroups[cmd.Name()]
	}
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, _ []string) { renderHelp(cmd.ErrOrStderr(), cmd, colorEnabled()) })
	rootCmd.SetUsageFunc(func(cmd *cobra.Command) error {
		renderHelp(cmd.ErrOrStderr(), cmd, colorEnabled())
		return nil
	})
}

// renderHelp writes the styled help page of cmd: description, usage,
// examples, commands by group, then flags.
func renderHelp(w io.Writer, cmd *cobra.Command, c bool) {
	fmt.Fprintln(w)
	if cmd == rootCmd {
		fmt.Fprintf(w, "  %s %s\n\n", ui.BrandEmoji, boldCyan("alterd", c))
	}
	desc := cmd.Long
	if desc == "" {
		desc = cmd.Short
	}
	for _, line := range strings.Split(desc, "\n") {
		switch {
		case strings.TrimSpace(line) == "":
			fmt.Fprintln(w)
		case strings.HasPrefix(line, "  "):
			// Indented lines in descriptions are example invocations.
			fmt.Fprintf(w, "    %s\n", green(strings.TrimSpace(line), c))
		default:
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintln(w)

	useLine := cmd.UseLine()
	if cmd.HasAvailableSubCommands() {
		useLine = cmd.CommandPath() + " [command]"
	}
	section(w, "USAGE", c, func() { fmt.Fprintf(w, "  %s\n", useLine) })

	if cmd.Example != "" {
		section(w, "EXAMPLES", c, func() {
			for _, line := range strings.Split(strings.TrimSpace(cmd.Example), "\n") {
				fmt.Fprintf(w, "  %s\n", green(strings.TrimSpace(line), c))
			}
		})
	}

	for _, g := range commandSections(cmd) {
		section(w, g.title, c, func() { writeCommands(w, g.cmds, c) })
	}

	if cmd == rootCmd {
		writeFlagSection(w, "FLAGS", cmd.Flags(), c)
	} else {
		writeFlagSection(w, "FLAGS", cmd.LocalNonPersistentFlags(), c)
		writeFlagSection(w, "GLOBAL FLAGS", cmd.InheritedFlags(), c)
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(w, "%s\n\n", dim(fmt.Sprintf("Use %q for more information about a command.", cmd.CommandPath()+" [command] --help"), c))
	}
}

func section(w io.Writer, title string, c bool, body func()) {
	fmt.Fprintln(w, boldCyan(title, c))
	body()
	fmt.Fprintln(w)
}

type commandGroup struct {
	title string
	cmds  []*cobra.Command
}

// commandSections splits the available subcommands of cmd by group, in
// group registration order. Ungrouped commands land in a trailing section.
func commandSections(cmd *cobra.Command) []commandGroup {
	byGroup := map[string][]*cobra.Command{}
	for _, sub := range cmd.Commands() {
		if sub.IsAvailableCommand() {
			byGroup[sub.GroupID] = append(byGroup[sub.GroupID], sub)
		}
	}
	var out []commandGroup
	for _, g := range cmd.Groups() {
		if cmds := byGroup[g.ID]; len(cmds) > 0 {
			out = append(out, commandGroup{title: g.Title, cmds: cmds})
		}
	}
	if cmds := byGroup[""]; len(cmds) > 0 {
		title := "COMMANDS"
		if len(out) > 0 {
			title = "OTHER"
		}
		out = append(out, commandGroup{title: title, cmds: cmds})
	}
	return out
}

// writeCommands aligns names before coloring; tabwriter would count ANSI
// escapes as width.
func writeCommands(w io.Writer, cmds []*cobra.Command, c bool) {
	width := 0
	for _, cmd := range cmds {
		width = max(width, len(cmd.Name()))
	}
	for _, cmd := range cmds {
		fmt.Fprintf(w, "  %s%s\n", bold(fmt.Sprintf("%-*s", width+4, cmd.Name()), c), dim(cmd.Short, c))
	}
}

func writeFlagSection(w io.Writer, title string, fs *pflag.FlagSet, c bool) {
	usage := strings.TrimRight(fs.FlagUsages(), "\n")
	if usage == "" {
		return
	}
	section(w, title, c, func() {
		if !c {
			fmt.Fprintln(w, usage)
			return
		}
		for _, line := range strings.Split(usage, "\n") {
			fmt.Fprintln(w, colorizeFlag(line, c))
		}
	})
}

// colorizeFlag colors the flag part of a pflag usage line cyan and the
// description dim. pflag separates the two with at least three spaces.
func colorizeFlag(line string, c bool) string {
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]
	flag, desc, ok := strings.Cut(trimmed, "   ")
	if !ok || strings.TrimSpace(desc) == "" {
		return indent + cyan(trimmed, c)
	}
	return indent + cyan(flag, c) + "   " + dim(strings.TrimLeft(desc, " "), c)
}
