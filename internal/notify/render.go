package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"lunchd/internal/calendar"
	"lunchd/internal/mail"
	"lunchd/internal/storage"
)

const (
	missingDish = "N/A"
	missingNote = "---"
)

var reminderTmpl = template.Must(template.New("reminder").Parse(`<p>Hello {{.Username}},</p>
<p>The menu for the week <strong>{{.Start}} - {{.End}}</strong> is now available.</p>
<p>You have not picked your dishes for that week yet. Please make your selection before the week starts.</p>
<p>Thanks,<br>{{.Signature}}</p>
`))

var summaryTmpl = template.Must(template.New("summary").Parse(`<p>Hello {{.Username}},</p>
<p>These are your selections for the week {{.Start}} - {{.End}}:</p>
<table border="1" cellpadding="5">
<tr><th>Date</th><th>Category</th><th>Dish</th><th>Note</th></tr>
{{- range .Rows}}
<tr><td>{{.Date}}</td><td>{{.Category}}</td><td>{{.Dish}}</td><td>{{.Note}}</td></tr>
{{- end}}
</table>
<p>Enjoy your meals!<br>{{.Signature}}</p>
`))

type summaryRow struct {
	Date     string
	Category string
	Dish     string
	Note     string
}

// Renderer turns recipients into mail messages.
type Renderer struct {
	// Signature closes every message.
	Signature string
}

func (r Renderer) signature() string {
	if r.Signature == "" {
		return "The lunch team"
	}
	return r.Signature
}

func (r Renderer) Reminder(u storage.User, week calendar.Week) (mail.Message, error) {
	var buf bytes.Buffer
	err := reminderTmpl.Execute(&buf, map[string]string{
		"Username":  u.Username,
		"Start":     week.Start.Format(calendar.DateLayout),
		"End":       week.End.Format(calendar.DateLayout),
		"Signature": r.signature(),
	})
	if err != nil {
		return mail.Message{}, fmt.Errorf("render reminder: %w", err)
	}
	return mail.Message{
		To:      u.Email,
		Subject: fmt.Sprintf("Time to order your menu for the week %s - %s", week.Start.Format(calendar.DateLayout), week.End.Format(calendar.DateLayout)),
		HTML:    buf.String(),
	}, nil
}

// Summary renders one row per selection in the order given. The dish is the
// first menu item of the selected category.
func (r Renderer) Summary(u storage.User, week calendar.Week, sels []storage.SelectionDetail) (mail.Message, error) {
	rows := make([]summaryRow, 0, len(sels))
	for _, s := range sels {
		row := summaryRow{
			Date:     s.Menu.Date.Format("Mon " + calendar.DateLayout),
			Category: string(s.Category),
			Dish:     missingDish,
			Note:     s.Note,
		}
		if it, ok := s.Menu.ItemFor(s.Category); ok {
			row.Dish = it.Name
		}
		if row.Note == "" {
			row.Note = missingNote
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	err := summaryTmpl.Execute(&buf, struct {
		Username, Start, End, Signature string
		Rows                            []summaryRow
	}{
		Username:  u.Username,
		Start:     week.Start.Format(calendar.DateLayout),
		End:       week.End.Format(calendar.DateLayout),
		Signature: r.signature(),
		Rows:      rows,
	})
	if err != nil {
		return mail.Message{}, fmt.Errorf("render summary: %w", err)
	}
	return mail.Message{
		To:      u.Email,
		Subject: fmt.Sprintf("Your menu for the week %s - %s", week.Start.Format(calendar.DateLayout), week.End.Format(calendar.DateLayout)),
		HTML:    buf.String(),
	}, nil
}
