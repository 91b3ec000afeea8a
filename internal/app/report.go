package app

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/vk/beamgridgo/internal/energy"
	"github.com/vk/beamgridgo/internal/match"
	"github.com/vk/beamgridgo/internal/optics"
)

// twissColumns are the per-element columns printed for a twiss job.
var twissColumns = []string{"s", "betx", "alfx", "mux", "bety", "alfy", "muy", "dx", "dpx", "x", "y"}

func printTwiss(w io.Writer, name string, tab *optics.Table) {
	fmt.Fprintf(w, "twiss %s (%s", name, tab.Method)
	if tab.Periodic {
		fmt.Fprint(w, ", periodic")
	}
	if tab.Reversed {
		fmt.Fprint(w, ", reversed")
	}
	fmt.Fprintln(w, ")")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, s := range optics.Scalars {
		v, _ := tab.Scalar(s)
		fmt.Fprintf(tw, "%s\t%.9g\t\n", s, v)
	}
	tw.Flush()

	cols := append([]string(nil), twissColumns...)
	for _, c := range tab.ColumnNames() {
		if !slices.Contains(optics.Columns, c) {
			cols = append(cols, c)
		}
	}
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "name\t")
	for _, c := range cols {
		fmt.Fprintf(tw, "%s\t", c)
	}
	fmt.Fprintln(tw)
	for i, row := range tab.Names() {
		fmt.Fprintf(tw, "%s\t", row)
		for _, c := range cols {
			v, _ := tab.ValueAt(c, i)
			fmt.Fprintf(tw, "%.6g\t", v)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func printMatch(w io.Writer, name string, opt *match.Optimizer, knobs []match.Knob) {
	log := opt.Log()
	fmt.Fprintf(w, "match %s: %d iterations, penalty %.6g\n", name, len(log)-1, opt.Penalty())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "target\tcurrent\tresidual\tok\t")
	for _, st := range opt.TargetStatus() {
		fmt.Fprintf(tw, "%s\t%.9g\t%.3g\t%t\t\n", st.Target, st.Current, st.Residual, st.Satisfied)
	}
	tw.Flush()

	if len(log) == 0 {
		return
	}
	first, last := log[0], log[len(log)-1]
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "knob\tbefore\tafter\t")
	for j, k := range knobs {
		fmt.Fprintf(tw, "%s\t%.9g\t%.9g\t\n", k.Name, first.Knobs[j], last.Knobs[j])
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func printRamp(w io.Writer, st energy.TurnState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "turn\tt\tkinetic_energy\tp0c\tf_rev\tf_rf\t")
	fmt.Fprintf(tw, "%d\t%.9g\t%.9g\t%.9g\t%.9g\t%.9g\t\n", st.Turn, st.T, st.KineticEnergy, st.P0C, st.Frev, st.RFFrequency)
	tw.Flush()
	fmt.Fprintln(w)
}
