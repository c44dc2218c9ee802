// Package email delivers audit summaries to operators through SendGrid
package email

import (
	"errors"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"

	"github.com/satsbank/satsbank/build"
)

var log = build.AddSubLogger("EMAL")

// ErrCouldNotSendEmail means the HTTP request to send an email did not get a
// success status code.
var ErrCouldNotSendEmail = errors.New("could not send email")

// ErrEmailUnreachable means the email service did not accept our credentials
// or could not be reached at all
var ErrEmailUnreachable = errors.New("email service unreachable")

// Sender can deliver operational reports and report whether the service
// behind it is reachable
type Sender interface {
	SendReport(subject string, body string) error
	Ping() error
}

var _ Sender = SendGridSender{}

// NewSendGridSender creates a new SendGrid email sender addressing the given
// operator recipient
func NewSendGridSender(key, fromAddress, recipient string) SendGridSender {
	log.WithField("recipient", recipient).Info("Creating new SendGrid email sender")
	return SendGridSender{
		key:         key,
		client:      sendgrid.NewSendClient(key),
		fromAddress: fromAddress,
		recipient:   recipient,
	}
}

// SendGridSender can send emails by communicating with the SendGrid API
type SendGridSender struct {
	key         string
	client      *sendgrid.Client
	fromAddress string
	recipient   string
}

// Ping checks that the SendGrid API is reachable and accepts our key. The
// scopes endpoint is the cheapest authenticated call SendGrid offers.
func (s SendGridSender) Ping() error {
	request := sendgrid.GetRequest(s.key, "/v3/scopes", "")
	request.Method = rest.Get

	response, err := sendgrid.API(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmailUnreachable, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrEmailUnreachable, response.StatusCode)
	}
	return nil
}

// SendReport sends a plain text report to the configured operator address
func (s SendGridSender) SendReport(subject string, body string) error {
	from := mail.NewEmail("Satsbank", s.fromAddress)
	to := mail.NewEmail(s.recipient, s.recipient)

	message := mail.NewSingleEmail(from, subject, to, body, "<pre>"+body+"</pre>")
	log.WithFields(logrus.Fields{
		"recipient": to.Address,
		"subject":   subject,
	}).Info("Sending report email")

	response, err := s.send(message)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"recipient": to.Address,
		"status":    response.StatusCode,
	}).Info("Sent report email successfully")
	return nil
}

// send sends the given email. It expects a single recipient
func (s SendGridSender) send(email *mail.SGMailV3) (*rest.Response, error) {
	recipient := "Unknown recipient"
	if len(email.Personalizations) != 0 && len(email.Personalizations[0].To) != 0 {
		recipient = email.Personalizations[0].To[0].Address
	} else {
		log.WithField("personalizations",
			email.Personalizations).Warn("Unexpected recipient format when sending email")
	}

	response, err := s.client.Send(email)
	if err != nil {
		log.WithError(err).WithField("recipient", recipient).Error("Could not send email")
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		log.WithFields(logrus.Fields{
			"recipient": recipient,
			"status":    response.StatusCode,
			"body":      response.Body,
		}).Error("Got error status when sending email")
		return nil, fmt.Errorf("%w: %s", ErrCouldNotSendEmail, response.Body)
	}

	return response, nil
}
