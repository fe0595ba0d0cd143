package cmd

import (
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// progress is a stoppable spinner; the zero value does nothing
type progress struct {
	s *spinner.Spinner
}

// startProgress shows a spinner on stderr unless output is JSON or quiet
func startProgress(cmd *cobra.Command, suffix string) progress {
	if outputJSON || quiet {
		return progress{}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = " " + suffix
	s.Start()
	return progress{s: s}
}

func (p progress) Stop() {
	if p.s != nil {
		p.s.Stop()
	}
}
