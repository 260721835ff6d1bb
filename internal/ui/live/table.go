package live

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

const titleWidth = 40

func tableStyles(noColor bool) table.Styles {
	styles := table.DefaultStyles()
	if noColor {
		return styles
	}
	styles.Header = styles.Header.Foreground(lipgloss.Color("252"))
	return styles
}

func defaultColumns() []table.Column {
	return columnsForWidth(0)
}

// columnsForWidth gives the title column whatever the fixed columns leave.
func columnsForWidth(width int) []table.Column {
	columns := []table.Column{
		{Title: "ID", Width: 8},
		{Title: "Title", Width: titleWidth},
		{Title: "Status", Width: 24},
		{Title: "Verdict", Width: 16},
		{Title: "Issues", Width: 6},
		{Title: "Calls", Width: 5},
		{Title: "Elapsed", Width: 9},
	}
	if width <= 0 {
		return columns
	}
	fixed := 0
	for i, column := range columns {
		if i != 1 {
			fixed += column.Width + 2
		}
	}
	columns[1].Width = max(width-fixed-2, 10)
	return columns
}

// rowsForState converts UI state into table rows.
func rowsForState(state State, now time.Time, noColor bool, titleLimit int) []table.Row {
	rows := make([]table.Row, 0, len(state.Rows))
	for _, row := range state.Rows {
		rows = append(rows, table.Row{
			formatQuestionID(row),
			formatTitle(row.Title, titleLimit),
			formatStatus(row, noColor),
			formatVerdict(row.Verdict),
			formatCount(row.Issues),
			formatCount(row.ModelCalls),
			formatRowDuration(row, now),
		})
	}
	return rows
}
