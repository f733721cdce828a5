package billing

import "strings"

// Minimal payload shapes for the webhook events this service consumes. Only
// the fields the dispatcher reads are declared; everything else in the raw
// event is carried opaquely in the dedup record.

// CheckoutSession is the trimmed checkout.session.completed object.
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email returns the best available customer email for the session.
func (s *CheckoutSession) Email() string {
	if email := strings.TrimSpace(s.CustomerDetails.Email); email != "" {
		return email
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// Plan returns the plan name carried in the checkout metadata.
func (s *CheckoutSession) Plan() string {
	return strings.TrimSpace(s.Metadata["plan"])
}

// Subscription is the trimmed customer.subscription.* object. Newer API
// versions carry the period end on the subscription item, older ones on the
// subscription itself; both are read.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// PeriodEnd returns the subscription's current period end as a unix
// timestamp, or zero when the event carries none.
func (s *Subscription) PeriodEnd() int64 {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return item.CurrentPeriodEnd
		}
	}
	return s.CurrentPeriodEnd
}

// Invoice is the trimmed invoice.paid object. AmountPaid is in the smallest
// currency unit, matching the reward ledger.
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the subscription the invoice bills, wherever the
// event schema put it.
func (i *Invoice) SubscriptionID() string {
	if sub := strings.TrimSpace(i.Subscription); sub != "" {
		return sub
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}
