// Package email sends transactional mail through Resend.
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/metrics"
	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var templateFS embed.FS

const welcomeTemplate = "welcome.html"

type Service struct {
	config       config.EmailConfig
	baseURL      string
	templates    *template.Template
	resendClient *resend.Client
	logger       zerolog.Logger
}

// WelcomeData fills the welcome template.
type WelcomeData struct {
	FullName    string
	Email       string
	LoginURL    string
	CurrentYear int
}

// NewService parses the embedded templates. With email disabled no client is
// created and sends are logged instead.
func NewService(cfg config.EmailConfig, baseURL string, logger zerolog.Logger) (*Service, error) {
	if cfg.Enabled {
		if err := validateEmailAddress(cfg.From); err != nil {
			return nil, fmt.Errorf("invalid sender email in config: %w", err)
		}
	}

	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	s := &Service{
		config:    cfg,
		baseURL:   strings.TrimRight(baseURL, "/"),
		templates: templates,
		logger:    logger.With().Str("component", "email").Logger(),
	}
	if cfg.Enabled {
		s.resendClient = resend.NewClient(cfg.ResendAPIKey)
	}
	return s, nil
}

// SendWelcome greets a newly registered user.
func (s *Service) SendWelcome(ctx context.Context, to, fullName string) (err error) {
	defer func() { metrics.EmailsSent.WithLabelValues("welcome", metrics.ResultOf(err)).Inc() }()

	if err := validateEmailAddress(to); err != nil {
		return fmt.Errorf("invalid recipient email: %w", err)
	}
	loginURL := s.baseURL + "/login"
	if err := validateLinkURL(loginURL); err != nil {
		return fmt.Errorf("invalid login link: %w", err)
	}

	if !s.config.Enabled {
		s.logger.Info().
			Str("to", to).
			Msg("email service disabled, skipping welcome email")
		return nil
	}

	body, err := s.render(welcomeTemplate, WelcomeData{
		FullName:    fullName,
		Email:       to,
		LoginURL:    loginURL,
		CurrentYear: time.Now().Year(),
	})
	if err != nil {
		return err
	}
	return s.deliver(ctx, message{kind: "welcome", to: to, subject: "Bienvenido a CMPC Libros", html: body})
}

func validateEmailAddress(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	if strings.ContainsAny(addr.Address, "\r\n") {
		return fmt.Errorf("invalid email address: contains newline characters")
	}
	return nil
}

// validateLinkURL only accepts absolute http(s) links.
func validateLinkURL(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func (s *Service) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
