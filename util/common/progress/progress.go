// Package progress provides progress reporting functionality
package progress

import "github.com/pterm/pterm"

// Reporter defines the interface for reporting progress during long
// running operations such as tool downloads and package assembly.
type Reporter interface {
	// Start begins progress reporting with an initial message
	Start(message string)

	// Step reports a new step in the operation
	Step(message string)

	// Error reports an error condition
	Error(message string)

	// Success reports successful completion
	Success(message string)

	// End finalizes progress reporting
	End()
}

// ConsoleReporter implements Reporter by printing styled messages
type ConsoleReporter struct{}

// NewConsoleReporter creates a new ConsoleReporter
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{}
}

func (r *ConsoleReporter) Start(message string) {
	pterm.DefaultSection.Println(message)
}

func (r *ConsoleReporter) Step(message string) {
	pterm.Info.Println(message)
}

func (r *ConsoleReporter) Error(message string) {
	pterm.Error.Println(message)
}

func (r *ConsoleReporter) Success(message string) {
	pterm.Success.Println(message)
}

func (r *ConsoleReporter) End() {}

// NopReporter implements Reporter with no-op operations
type NopReporter struct{}

// NewNopReporter creates a new NopReporter
func NewNopReporter() *NopReporter {
	return &NopReporter{}
}

func (r *NopReporter) Start(message string)   {}
func (r *NopReporter) Step(message string)    {}
func (r *NopReporter) Error(message string)   {}
func (r *NopReporter) Success(message string) {}
func (r *NopReporter) End()                   {}
