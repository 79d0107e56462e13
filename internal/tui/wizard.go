package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/aristath/appforge/internal/project"
)

// WizardAnswers are the raw form values of the project wizard.
type WizardAnswers struct {
	Name          string
	Description   string
	Template      string
	Database      string
	AuthProviders []string
	Integrations  []string
	Deployment    string
}

// NewWizardForm builds the project wizard bound to a.
func NewWizardForm(a *WizardAnswers) *huh.Form {
	templates := make([]huh.Option[string], 0, len(project.Templates()))
	for _, t := range project.Templates() {
		templates = append(templates, huh.NewOption(string(t), string(t)))
	}

	databases := []huh.Option[string]{huh.NewOption("None", "")}
	for _, d := range project.DatabaseKinds() {
		databases = append(databases, huh.NewOption(string(d), string(d)))
	}

	var providers []huh.Option[string]
	for _, p := range project.AllAuthProviders() {
		providers = append(providers, huh.NewOption(string(p), string(p)))
	}

	var integrations []huh.Option[string]
	for _, in := range project.IntegrationTypes() {
		integrations = append(integrations, huh.NewOption(string(in), string(in)))
	}

	deployments := []huh.Option[string]{huh.NewOption("None", "")}
	for _, d := range project.DeploymentPlatforms() {
		deployments = append(deployments, huh.NewOption(string(d), string(d)))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Project name").
				Value(&a.Name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(&a.Description),
			huh.NewSelect[string]().
				Title("Template").
				Options(templates...).
				Value(&a.Template),
		).Title("Project"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Database").
				Options(databases...).
				Value(&a.Database),
			huh.NewMultiSelect[string]().
				Title("Sign-in providers").
				Options(providers...).
				Value(&a.AuthProviders),
		).Title("Data & Auth"),

		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Integrations").
				Options(integrations...).
				Value(&a.Integrations),
			huh.NewSelect[string]().
				Title("Deployment").
				Options(deployments...).
				Value(&a.Deployment),
		).Title("Integrations & Deployment"),
	)
}

// Config converts the answers into a validated project configuration.
func (a WizardAnswers) Config() (project.Config, error) {
	tmpl, err := project.ParseTemplate(a.Template)
	if err != nil {
		return project.Config{}, err
	}
	cfg := project.Config{
		Name:        strings.TrimSpace(a.Name),
		Description: strings.TrimSpace(a.Description),
		Template:    tmpl,
	}
	if a.Database != "" {
		cfg.Database = &project.DatabaseConfig{Type: project.DatabaseKind(a.Database)}
	}
	if len(a.AuthProviders) > 0 {
		auth := &project.AuthConfig{}
		for _, p := range a.AuthProviders {
			auth.Providers = append(auth.Providers, project.AuthProvider(p))
		}
		cfg.Auth = auth
	}
	for _, in := range a.Integrations {
		cfg.Integrations = append(cfg.Integrations, project.Integration{Type: project.IntegrationType(in), Enabled: true})
	}
	if a.Deployment != "" {
		cfg.Deployment = &project.DeploymentConfig{Platform: project.DeploymentPlatform(a.Deployment)}
	}
	if err := cfg.Validate(); err != nil {
		return project.Config{}, fmt.Errorf("invalid project: %w", err)
	}
	return cfg, nil
}

// RunWizard runs the wizard on the terminal and returns the resulting config.
// huh.ErrUserAborted is returned when the user quits.
func RunWizard() (project.Config, error) {
	a := WizardAnswers{Template: string(project.TemplateSaaS), Database: string(project.DatabasePostgres)}
	if err := NewWizardForm(&a).Run(); err != nil {
		return project.Config{}, err
	}
	return a.Config()
}
