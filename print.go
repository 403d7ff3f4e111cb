package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/driftsync/driftsync/internal/sync"
)

// printPlan shows the two proposed scripts before anything is applied.
func printPlan(plan *sync.Plan) {
	printScript("Local changes to apply:", plan.LocalScript)
	printScript("Cloud changes to apply:", plan.CloudScript)
}

func printScript(title string, script []sync.Operation) {
	if len(script) == 0 {
		return
	}

	fmt.Println(title)

	for _, op := range script {
		fmt.Println("  " + describeOp(op))
	}
}

// describeOp renders one operation as a human-readable line.
func describeOp(op sync.Operation) string {
	switch op.Kind {
	case sync.OpAddFile:
		return fmt.Sprintf("+ file %s (%s)", op.Name, humanize.IBytes(uint64(max(op.Size, 0))))
	case sync.OpAddDir:
		return fmt.Sprintf("+ dir  %s/", op.Name)
	case sync.OpDelFile:
		return fmt.Sprintf("- file %s", op.Name)
	case sync.OpDelDir:
		return fmt.Sprintf("- dir  %s/", op.Name)
	case sync.OpModifyFile:
		return fmt.Sprintf("~ file %s (%s)", op.ID, humanize.IBytes(uint64(max(op.Size, 0))))
	case sync.OpRenameMoveFile, sync.OpRenameMoveDir:
		return describeRenameMove(op)
	default:
		return op.String()
	}
}

func describeRenameMove(op sync.Operation) string {
	var parts []string

	if op.NewName != nil {
		parts = append(parts, "rename to "+*op.NewName)
	}

	if op.Destination != nil {
		parts = append(parts, "move under "+*op.Destination)
	}

	kind := "file"
	if op.Kind == sync.OpRenameMoveDir {
		kind = "dir"
	}

	return fmt.Sprintf("> %s %s: %s", kind, op.ID, strings.Join(parts, ", "))
}

// confirm asks for a yes/no on the terminal. A non-interactive stdin
// counts as a decline, so unattended runs never mutate anything without
// an explicit --yes.
func confirm() bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(os.Stderr, "Refusing to apply without confirmation (stdin is not a terminal; pass --yes).")
		return false
	}

	fmt.Fprint(os.Stderr, "Apply these changes? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}
