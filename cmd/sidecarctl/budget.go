package main

import (
	"errors"
	"io"
)

func doBudget(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("budget subcommand required: resume")
	}
	switch args[0] {
	case "resume":
		return budgetResume(args[1:], out)
	default:
		return errors.New("unknown budget subcommand: " + args[0])
	}
}

func budgetResume(args []string, out io.Writer) error {
	fs := newFlagSet("budget resume")
	addr := addrFlag(fs)
	token := tokenFlag(fs)
	actor := fs.String("actor", "", "operator resuming the suspended budget")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *actor == "" {
		return errors.New("--actor is required")
	}
	c := newClient(*addr, *token)
	resp, err := c.do("POST", "/_clawee/control/budget/resume", map[string]any{"actor": *actor})
	if err != nil {
		fail(out, "request failed: %v", err)
		return err
	}
	var body map[string]any
	if err := c.decode(resp, &body); err != nil {
		fail(out, "resume failed: %v", err)
		return err
	}
	ok(out, "budget resumed by %s", *actor)
	return printJSON(out, body)
}
