// Package listview projects capsule records into display rows and wires the
// per-row Unlock and Del actions.
package listview

import (
	"github.com/dharsanguruparan/timecapsule/internal/model"
)

// ActionKind names a row button.
type ActionKind string

const (
	ActionUnlock ActionKind = "unlock"
	ActionDelete ActionKind = "delete"
)

// Action is one button on a row.
type Action struct {
	Kind  ActionKind
	Label string
}

// Row is the view model for one capsule.
type Row struct {
	ID       string
	Filename string
	Caption  string
	Actions  []Action
}

var rowActions = []Action{
	{Kind: ActionUnlock, Label: "Unlock"},
	{Kind: ActionDelete, Label: "Del"},
}

// Render maps records to rows. It is pure: same input, same output, no I/O.
func Render(records []model.CapsuleRecord) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			ID:       rec.ID,
			Filename: rec.Filename,
			Caption:  "Unlock Time: " + rec.UnlockDate.Display(),
			Actions:  append([]Action(nil), rowActions...),
		})
	}
	return rows
}
