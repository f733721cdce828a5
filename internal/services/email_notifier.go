package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianos/meridian/pkg/logger"
	"github.com/meridianos/meridian/pkg/mail"
)

const notifyTimeout = 10 * time.Second

// EmailNotifier sends transactional emails as a fire-and-forget collaborator.
// Delivery failures are logged and never fail the ledger mutation that
// triggered them. A nil *EmailNotifier is a valid no-op notifier.
type EmailNotifier struct {
	mailer  mail.Mailer
	baseURL string
	log     *zap.Logger
}

// NewEmailNotifier constructs a notifier. A nil mailer disables delivery
// entirely, which keeps tests and local development quiet.
func NewEmailNotifier(mailer mail.Mailer, baseURL string) *EmailNotifier {
	return &EmailNotifier{
		mailer:  mailer,
		baseURL: baseURL,
		log:     logger.WithModule("email"),
	}
}

// SendVerification dispatches the waitlist verification link.
func (n *EmailNotifier) SendVerification(email, token string) {
	if n == nil {
		return
	}
	link := fmt.Sprintf("%s/waitlist/verify?token=%s", n.baseURL, token)
	n.dispatch(email, "Confirm your spot on the Meridian Linux waitlist",
		fmt.Sprintf("Welcome to Meridian Linux!\n\nPlease confirm your email address within 24 hours by visiting:\n%s\n\nIf you did not join the waitlist, you can ignore this message.\n", link))
}

// SendWelcome confirms a verified signup and shares their referral link.
func (n *EmailNotifier) SendWelcome(email, referralCode string, position int) {
	if n == nil {
		return
	}
	link := fmt.Sprintf("%s/?ref=%s", n.baseURL, referralCode)
	n.dispatch(email, "You're on the Meridian Linux waitlist",
		fmt.Sprintf("You're in! Your current position is #%d.\n\nMove up the queue by sharing your referral link:\n%s\n", position, link))
}

// SendLicenseKey delivers a freshly issued license key.
func (n *EmailNotifier) SendLicenseKey(email, licenseKey, plan string, maxSystems int) {
	n.dispatch(email, "Your Meridian Linux license key",
		fmt.Sprintf("Thank you for your purchase!\n\nPlan: %s\nLicense key: %s\nActivations included: %d systems\n\nActivate with: meridianctl license activate %s\n", plan, licenseKey, maxSystems, licenseKey))
}

// SendSuspension notifies a customer that their license was suspended.
func (n *EmailNotifier) SendSuspension(email, licenseKey string) {
	n.dispatch(email, "Your Meridian Linux license has been suspended",
		fmt.Sprintf("Your license %s was suspended because the last payment did not complete.\n\nOnce payment resumes, the license reactivates automatically.\n", licenseKey))
}

func (n *EmailNotifier) dispatch(to, subject, body string) {
	if n == nil || n.mailer == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		msg := mail.Message{
			To:      []string{to},
			Subject: subject,
			Body:    body,
		}
		if err := n.mailer.Send(ctx, msg); err != nil && err != mail.ErrSMTPDisabled {
			n.log.Warn("email delivery failed",
				zap.String("to", to),
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}()
}
