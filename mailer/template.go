package mailer

import (
	htmlTemplate "html/template"
	textTemplate "text/template"

	"github.com/zllovesuki/metering/spec"
)

type content struct {
	Subject string
	Text    *textTemplate.Template
	HTML    *htmlTemplate.Template
}

func newContent(subject, text, html string) content {
	return content{
		Subject: subject,
		Text:    textTemplate.Must(textTemplate.New("text").Parse(text)),
		HTML:    htmlTemplate.Must(htmlTemplate.New("html").Parse(html)),
	}
}

var contents = map[spec.AlertType]content{
	spec.AlertUsage70: newContent(
		"%s Usage Alert: 70% Quota Used",
		`You've used 70% of your monthly quota.

Current usage: {{.Ledger.TotalCalls}} / {{.Ledger.IncludedCalls}} calls
Days remaining: {{.DaysRemaining}} days

Consider upgrading your plan if you need more capacity.
Manage billing: {{.BillingURL}}
`,
		`<!doctype html><html><body>
<h2>Usage Alert</h2>
<p>You've used <strong>70%</strong> of your monthly quota.</p>
<p><strong>Current usage:</strong> {{.Ledger.TotalCalls}} / {{.Ledger.IncludedCalls}} calls</p>
<p><strong>Days remaining:</strong> {{.DaysRemaining}} days</p>
<p>Consider upgrading your plan if you need more capacity.</p>
<p><a href="{{.BillingURL}}">Manage Billing</a></p>
</body></html>`,
	),
	spec.AlertUsage90: newContent(
		"%s Usage Alert: 90% Quota Used",
		`You've used 90% of your monthly quota.

Current usage: {{.Ledger.TotalCalls}} / {{.Ledger.IncludedCalls}} calls
Days remaining: {{.DaysRemaining}} days
Estimated overage: {{.Ledger.EstimatedOverageCost}} {{.Currency}}

You may incur overage charges. Consider upgrading to avoid interruptions.
Upgrade plan: {{.BillingURL}}
`,
		`<!doctype html><html><body>
<h2>Usage Alert</h2>
<p>You've used <strong>90%</strong> of your monthly quota.</p>
<p><strong>Current usage:</strong> {{.Ledger.TotalCalls}} / {{.Ledger.IncludedCalls}} calls</p>
<p><strong>Days remaining:</strong> {{.DaysRemaining}} days</p>
<p><strong>Estimated overage:</strong> {{.Ledger.EstimatedOverageCost}} {{.Currency}}</p>
<p>You may incur overage charges. Consider upgrading to avoid interruptions.</p>
<p><a href="{{.BillingURL}}">Upgrade Plan</a></p>
</body></html>`,
	),
	spec.AlertUsage100: newContent(
		"%s Usage Alert: Quota Exceeded",
		`You've exceeded your monthly quota.

Current usage: {{.Ledger.TotalCalls}} / {{.Ledger.IncludedCalls}} calls
Overage calls: {{.Ledger.OverageCalls}}
Estimated overage charges: {{.Ledger.EstimatedOverageCost}} {{.Currency}}

Overage charges apply at your plan rate. To avoid additional costs, consider upgrading.
Manage plan: {{.BillingURL}}
`,
		`<!doctype html><html><body>
<h2>Quota Exceeded</h2>
<p>You've exceeded your monthly quota.</p>
<p><strong>Current usage:</strong> {{.Ledger.TotalCalls}} / {{.Ledger.IncludedCalls}} calls</p>
<p><strong>Overage calls:</strong> {{.Ledger.OverageCalls}}</p>
<p><strong>Estimated overage charges:</strong> {{.Ledger.EstimatedOverageCost}} {{.Currency}}</p>
<p>Overage charges apply at your plan rate. To avoid additional costs, consider upgrading.</p>
<p><a href="{{.BillingURL}}">Manage Plan</a></p>
</body></html>`,
	),
	spec.AlertPaymentFailed: newContent(
		"%s Payment Failed",
		`We were unable to process your payment for the current billing period.

Amount due: {{.AmountDue}} {{.Currency}}

Please update your payment method to avoid service interruption.
{{if .Invoice.HostedInvoiceURL}}View invoice: {{.Invoice.HostedInvoiceURL}}
{{end}}Update payment method: {{.BillingURL}}
`,
		`<!doctype html><html><body>
<h2>Payment Failed</h2>
<p>We were unable to process your payment for the current billing period.</p>
<p><strong>Amount due:</strong> {{.AmountDue}} {{.Currency}}</p>
<p>Please update your payment method to avoid service interruption.</p>
{{if .Invoice.HostedInvoiceURL}}<p><a href="{{.Invoice.HostedInvoiceURL}}">View Invoice</a></p>{{end}}
<p><a href="{{.BillingURL}}">Update Payment Method</a></p>
</body></html>`,
	),
}
