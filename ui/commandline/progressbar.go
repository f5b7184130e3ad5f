// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/layerkit/pkg/ml/train"
	"github.com/gomlx/layerkit/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn returns a name and a value to display along with the progress bar.
// It is called at every refresh of the display.
type ExtraMetricFn func() (name, value string)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "layerkit.ui.commandline.progressBar"

var (
	// RefreshPeriod is the longest time the display goes without an update while training.
	RefreshPeriod = 3 * time.Second

	// ProgressbarStyle to use. Consider progressbar.ThemeUnicode for a prettier version.
	ProgressbarStyle = progressbar.ThemeASCII

	// minRedrawInterval throttles the redraws of the statistics table in the terminal.
	minRedrawInterval = 200 * time.Millisecond

	// unknownNumSteps is the size of the bar when the loop doesn't know its end step.
	unknownNumSteps = 1000
)

var (
	keyCellStyle   = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	valueCellStyle = lipgloss.NewStyle().Padding(0, 1)
	tableIndent    = lipgloss.NewStyle().PaddingLeft(8)
	tableBorder    = lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))
)

// statusRow is one (title, value) line of the statistics table.
type statusRow struct{ title, value string }

// redraw request for the terminal drawer: steps to advance and the current statistics.
type redraw struct {
	steps int
	rows  []statusRow
}

// progressBar displays the progress of a train.Loop.
//
// In notebooks the metrics are written as a suffix of the bar line. In a terminal a table of statistics is
// drawn above the bar, by a separate goroutine, so a slow terminal doesn't block training.
type progressBar struct {
	out        io.Writer
	inNotebook bool
	extras     []ExtraMetricFn

	bar      *progressbar.ProgressBar
	nextStep int // First LoopStep not yet accounted in the bar.
	suffix   string

	term       *termenv.Output
	linesDrawn int
	redraws    chan redraw
	drawerDone sync.WaitGroup
}

func newProgressBar(out io.Writer, inNotebook bool, extras []ExtraMetricFn) *progressBar {
	pBar := &progressBar{out: out, inNotebook: inNotebook, extras: extras}
	if !inNotebook {
		pBar.term = termenv.NewOutput(out)
	}
	return pBar
}

// Write implements io.Writer for the enclosed progressbar.ProgressBar: each rendering of the bar is
// followed by the current suffix.
func (pBar *progressBar) Write(data []byte) (int, error) {
	n, err := pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(pBar.out, pBar.suffix)
	return n, err
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.nextStep = loop.LoopStep
	total := unknownNumSteps
	if loop.EndStep >= 0 {
		total = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	if pBar.inNotebook {
		return nil
	}
	// Erases the rest of the screen after the bar.
	pBar.suffix = "\033[J"
	pBar.linesDrawn = 0
	pBar.redraws = make(chan redraw, 100)
	pBar.drawerDone.Add(1)
	go pBar.drawer(pBar.redraws)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, _ float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	steps := loop.LoopStep + 1 - pBar.nextStep
	if steps <= 0 {
		return nil
	}
	pBar.nextStep = loop.LoopStep + 1
	if pBar.inNotebook {
		pBar.suffix = notebookSuffix(loop)
		return pBar.bar.Add(steps)
	}
	pBar.redraws <- redraw{steps: steps, rows: pBar.statusRows(loop)}
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ float64) error {
	if pBar.redraws != nil {
		close(pBar.redraws)
		pBar.drawerDone.Wait()
		pBar.redraws = nil
		pBar.term.ShowCursor()
	}
	_, err := fmt.Fprintln(pBar.out)
	return err
}

// notebookSuffix formats the step and the training metrics as a single line.
func notebookSuffix(loop *train.Loop) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, " [step=%d]", loop.LoopStep)
	for _, metric := range loop.Trainer.TrainMetrics() {
		_, _ = fmt.Fprintf(&sb, " [%s=%s]", metric.ShortName(), metric.PrettyPrint(metric.Read()))
	}
	// Notebooks don't support the erase escape sequence: blanks clean up leftovers of longer lines.
	sb.WriteString("        ")
	return sb.String()
}

// statusRows returns the statistics displayed in the terminal table.
func (pBar *progressBar) statusRows(loop *train.Loop) []statusRow {
	trainer := loop.Trainer
	endStep := "?"
	if loop.EndStep >= 0 {
		endStep = humanize.Comma(int64(loop.EndStep))
	}
	var rows []statusRow
	if trainer.NumAccumulatingSteps() > 1 {
		rows = append(rows, statusRow{"Global/Train Steps", fmt.Sprintf("%s / %s of %s",
			humanize.Comma(trainer.GlobalStep()), humanize.Comma(int64(loop.LoopStep)), endStep)})
	} else {
		rows = append(rows, statusRow{"Global Step",
			fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep)), endStep)})
	}
	rows = append(rows, statusRow{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())})
	for _, metric := range trainer.TrainMetrics() {
		rows = append(rows, statusRow{metric.Name(), metric.PrettyPrint(metric.Read())})
	}
	for _, extra := range pBar.extras {
		name, value := extra()
		rows = append(rows, statusRow{name, value})
	}
	return rows
}

// renderStatus renders the statistics table.
func renderStatus(rows []statusRow) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorder).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return keyCellStyle
			}
			return valueCellStyle
		})
	for _, row := range rows {
		table.Row(row.title, row.value)
	}
	return tableIndent.Render(table.String())
}

// coalesce merges into r the redraw requests already waiting in the channel.
// It returns false if the channel was closed.
func coalesce(r redraw, redraws <-chan redraw) (redraw, bool) {
	for {
		select {
		case next, ok := <-redraws:
			if !ok {
				return r, false
			}
			r = redraw{steps: r.steps + next.steps, rows: next.rows}
		default:
			return r, true
		}
	}
}

// drawer redraws the statistics table and the bar until redraws is closed.
func (pBar *progressBar) drawer(redraws <-chan redraw) {
	defer pBar.drawerDone.Done()
	for r := range redraws {
		r, open := coalesce(r, redraws)
		status := renderStatus(r.rows)
		pBar.term.HideCursor()
		if pBar.linesDrawn > 0 {
			pBar.term.CursorPrevLine(pBar.linesDrawn)
		}
		_, _ = fmt.Fprintln(pBar.out, status)
		_ = pBar.bar.Add(r.steps)
		_, _ = fmt.Fprintln(pBar.out)
		pBar.term.ShowCursor()
		// Table lines, the bar line and the blank line.
		pBar.linesDrawn = strings.Count(status, "\n") + 2
		if !open {
			return
		}
		time.Sleep(minRedrawInterval)
	}
}

// AttachProgressBar attaches to the loop a progress bar written to the standard output, along with
// the training metrics. In a terminal the metrics are displayed in a table, updated asynchronously.
//
// The optional extraMetrics are called at every update, and their name and value are displayed
// along with the training metrics.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(loop, os.Stdout, notebooks.IsNotebook(), extraMetrics)
}

func attachProgressBar(loop *train.Loop, out io.Writer, inNotebook bool, extraMetrics []ExtraMetricFn) {
	pBar := newProgressBar(out, inNotebook, extraMetrics)
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Updates at most 1000 times during the loop, and at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
