package mail

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
)

// ReminderInfo carries the invoice fields a template renders.
type ReminderInfo struct {
	Client  string
	Number  string
	Amount  float64
	DueDate time.Time
}

// templateTone maps a template name to its subject line and opening
// paragraph. Tone escalates with the offset the scheduler fires at.
var templateTone = map[string]struct {
	subject string
	intro   string
}{
	"reminder_3d": {
		"Payment Reminder - Invoice %s due in 3 days",
		"This is a friendly reminder that payment for the invoice below is due in 3 days.",
	},
	"reminder_due": {
		"Payment Due Today - Invoice %s",
		"Payment for the invoice below is due today.",
	},
	"overdue_5d": {
		"Overdue Notice - Invoice %s (5 days past due)",
		"Our records show the invoice below is now 5 days past due.",
	},
	"overdue_7d": {
		"Second Overdue Notice - Invoice %s (7 days past due)",
		"Despite our earlier notice, the invoice below remains unpaid 7 days past its due date.",
	},
	"final_notice": {
		"FINAL NOTICE - Invoice %s",
		"This is a final notice. The invoice below is 10 days past due and requires immediate attention.",
	},
	"escalation": {
		"Account Escalation - Invoice %s",
		"The invoice below is 14 days past due. This account is being escalated to our collections team.",
	},
}

// BuildReminder renders the message for a template name. Unknown
// template names fall back to the due-today tone.
func BuildReminder(template string, info ReminderInfo) Message {
	tone, ok := templateTone[template]
	if !ok {
		tone = templateTone["reminder_due"]
	}

	amount := formatAmount(info.Amount)
	due := info.DueDate.Format("2006-01-02")

	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">`)
	b.WriteString(`<h2 style="color: #2c5aa0;">Payment Reminder</h2>`)
	fmt.Fprintf(&b, "<p>Dear %s,</p>", html.EscapeString(info.Client))
	fmt.Fprintf(&b, "<p>%s</p>", tone.intro)
	fmt.Fprintf(&b, "<p><strong>Invoice:</strong> %s<br>", html.EscapeString(info.Number))
	fmt.Fprintf(&b, "<strong>Amount:</strong> $%s<br>", amount)
	fmt.Fprintf(&b, "<strong>Due date:</strong> %s</p>", due)
	b.WriteString("<p>If you have already made this payment, please disregard this notice. ")
	b.WriteString("If you have any questions or need to discuss payment arrangements, please contact us.</p>")
	b.WriteString(`<hr style="border: none; border-top: 1px solid #eee; margin: 20px 0;">`)
	b.WriteString(`<p style="font-size: 12px; color: #666;">This is an automated reminder from NovotEcho Collections.<br>`)
	b.WriteString(`Contact collections@novotechno.local for assistance.</p>`)
	b.WriteString("</body></html>")

	return Message{
		Subject:  fmt.Sprintf(tone.subject, info.Number),
		BodyHTML: b.String(),
	}
}

// formatAmount renders 1500 as 1,500.00.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 && intPart[i-1] != '-' {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String() + frac
}
