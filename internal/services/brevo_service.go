package services

import (
	"context"
	"fmt"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// EmailChannel sends renewal emails through Brevo
type EmailChannel struct {
	client    *brevo.APIClient
	FromEmail string
	FromName  string
}

// NewEmailChannel creates a new Brevo email channel. basePath overrides the
// API endpoint when non-empty.
func NewEmailChannel(apiKey, fromEmail, fromName, basePath string) *EmailChannel {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	if basePath != "" {
		cfg.BasePath = basePath
	}

	return &EmailChannel{
		client:    brevo.NewAPIClient(cfg),
		FromEmail: fromEmail,
		FromName:  fromName,
	}
}

func (s *EmailChannel) Name() string {
	return "email"
}

// Send sends the renewal email; users without an address are skipped
func (s *EmailChannel) Send(ctx context.Context, notice RenewalNotice) error {
	if notice.Email == "" {
		return nil
	}

	name := notice.DisplayName
	if name == "" {
		name = notice.ProductID
	}

	subject := fmt.Sprintf("%s renewed", name)
	htmlContent := fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<head>
			<meta charset="UTF-8">
			<title>%s</title>
		</head>
		<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
			<div style="background-color: #f8f9fa; padding: 30px; border-radius: 10px; text-align: center;">
				<h1 style="color: #333; margin-bottom: 20px;">%s</h1>
				<p style="color: #666; font-size: 16px; margin-bottom: 20px;">Your membership has been renewed.</p>
				<div style="background-color: #007bff; color: white; padding: 20px; border-radius: 10px; font-size: 20px; font-weight: bold; margin: 20px 0;">
					%d questions · %d AI credits
				</div>
			</div>
		</body>
		</html>
	`, subject, subject, notice.Point, notice.AIPoint)

	textContent := fmt.Sprintf(`
		%s

		Your membership has been renewed: %d questions, %d AI credits.
	`, subject, notice.Point, notice.AIPoint)

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  s.FromName,
			Email: s.FromEmail,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: notice.Email},
		},
		Subject:     subject,
		HtmlContent: htmlContent,
		TextContent: textContent,
	}

	if _, _, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, email); err != nil {
		return fmt.Errorf("brevo API error: %w", err)
	}
	return nil
}
