package render

import (
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// Spinner shows progress while a transaction is awaited. It stays silent
// when the writer is not a terminal.
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner creates a spinner writing to w.
func NewSpinner(w io.Writer) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.HideCursor = false
	return &Spinner{s: s}
}

// Start shows message next to the spinner.
func (p *Spinner) Start(message string) {
	if p == nil {
		return
	}
	p.s.Suffix = " " + message
	if !p.s.Active() {
		p.s.Start()
	}
}

// Stop clears the spinner line.
func (p *Spinner) Stop() {
	if p == nil {
		return
	}
	p.s.Stop()
}
