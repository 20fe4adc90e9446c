package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// StepSpinner shows one line per startup step. On a terminal the current
// step animates; otherwise the step text is printed once followed by its
// result mark.
type StepSpinner struct {
	w      io.Writer
	s      *spinner.Spinner
	msg    string
	noSpin bool
}

func NewStepSpinner(w io.Writer, noSpin bool) *StepSpinner {
	return &StepSpinner{w: w, noSpin: noSpin}
}

// Start begins a named step.
func (ss *StepSpinner) Start(msg string) {
	ss.msg = msg
	if ss.noSpin {
		fmt.Fprintf(ss.w, "  %s", msg)
		return
	}
	ss.s = spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(ss.w))
	ss.s.Prefix = "  "
	ss.s.Suffix = " " + msg
	ss.s.Start()
}

// Done marks the current step as succeeded.
func (ss *StepSpinner) Done() { ss.finish(StyleSuccess.Render(SymbolCheck)) }

// Fail marks the current step as failed.
func (ss *StepSpinner) Fail() { ss.finish(StyleError.Render(SymbolCross)) }

// Run wraps fn in a step, marking it done or failed by its result.
func (ss *StepSpinner) Run(msg string, fn func() error) error {
	ss.Start(msg)
	if err := fn(); err != nil {
		ss.Fail()
		return err
	}
	ss.Done()
	return nil
}

// Stop halts the animation without printing a result.
func (ss *StepSpinner) Stop() {
	if ss.s != nil {
		ss.s.Stop()
		ss.s = nil
	}
}

func (ss *StepSpinner) finish(mark string) {
	if ss.noSpin {
		fmt.Fprintf(ss.w, " %s\n", mark)
		return
	}
	if ss.s == nil {
		return
	}
	ss.Stop()
	fmt.Fprintf(ss.w, "\r  %s %s\n", ss.msg, mark)
}
