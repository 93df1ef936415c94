package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/gogpu/voxgi"
)

func printStats(out io.Writer, s voxgi.Stats) {
	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Counter", "Value"})
	table.AppendBulk([][]string{
		{"frames", fmt.Sprintf("%d", s.Frames)},
		{"fences", fmt.Sprintf("%d / %d", s.SignalA, s.SignalB)},
		{"buffers", fmt.Sprintf("%d (imports %d)", s.Buffers, s.BufferImports)},
		{"layouts", fmt.Sprintf("%d (ignored %d, rejected %d)", s.Layouts, s.LayoutsIgnored, s.LayoutsRejected)},
		{"shared", fmt.Sprintf("%d to secondary, %d to primary", s.SharedToSecondary, s.SharedToPrimary)},
		{"instances", fmt.Sprintf("%d active, %d created, %d deleted, %d dirty",
			s.Instances.Active, s.Instances.Created, s.Instances.Deleted, s.Instances.DirtyDeletes)},
		{"scratch", fmt.Sprintf("%d / %d", s.LastScratch, s.ScratchBudget)},
	})
	table.SetFooter([]string{"disabled", fmt.Sprintf("%t", s.Disabled)})
	table.Render()
}
