package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// generatedConfig mirrors the YAML schema the config package reads.
type generatedConfig struct {
	Venue            string            `yaml:"venue"`
	Owner            string            `yaml:"owner"`
	ExchangeURL      string            `yaml:"exchange_url,omitempty"`
	Listen           string            `yaml:"listen"`
	DataDir          string            `yaml:"data_dir"`
	MaxIterations    int               `yaml:"max_iterations"`
	TolerancePercent string            `yaml:"tolerance_percent"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
	Targets          map[string]string `yaml:"targets,omitempty"`
}

// RunTUI launches the terminal configuration wizard.
func RunTUI() error {
	var (
		venue            string
		owner            string
		exchangeURL      string
		listen           string
		dataDir          string
		toleranceStr     string
		maxIterationsStr string
		callTimeoutStr   string
		targetsRaw       string
		confirm          bool
	)

	// defaults
	owner = "default"
	listen = ":8080"
	dataDir = "./wal"
	toleranceStr = "1"
	maxIterationsStr = "30"
	callTimeoutStr = "10s"

	// step 1: welcome
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("FOLIO CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Let's get your portfolio rebalancing in style.\n"))

	// venue
	fmt.Println(stepStyle.Render("STEP 1: VENUE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Exchange Venue").
				Options(
					huh.NewOption("Coinbase (sandbox by default)", "coinbase"),
					huh.NewOption("Binance", "binance"),
					huh.NewOption("Bybit", "bybit"),
				).
				Value(&venue),
		),
	).Run()
	if err != nil {
		return err
	}

	// owner and listen address
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: IDENTITY"))
	identityFields := []huh.Field{
		huh.NewInput().
			Title("Owner").
			Description("Key for persisted accounts, targets and the rebalance lock").
			Value(&owner).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("owner cannot be empty")
				}
				return nil
			}),
		huh.NewInput().
			Title("HTTP Listen Address").
			Value(&listen),
		huh.NewInput().
			Title("Data Directory").
			Description("Root directory for the WAL stores").
			Value(&dataDir),
	}
	if venue == "coinbase" {
		identityFields = append(identityFields, huh.NewInput().
			Title("Exchange URL").
			Description("Leave empty for the public sandbox").
			Value(&exchangeURL),
		)
	}
	err = huh.NewForm(huh.NewGroup(identityFields...)).Run()
	if err != nil {
		return err
	}

	// convergence settings
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: CONVERGENCE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tolerance %").
				Description("Deviation of a currency's own value treated as at-target (e.g. 1)").
				Value(&toleranceStr).
				Validate(validatePercent),
			huh.NewInput().
				Title("Max Iterations").
				Description("Cap on snapshot-plan-execute passes per rebalance").
				Value(&maxIterationsStr),
			huh.NewInput().
				Title("Call Timeout").
				Description("Duration string (e.g. 10s, 30s)").
				Value(&callTimeoutStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	// target allocations
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: TARGETS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Target Allocations").
				Description("One CURRENCY=FRACTION per line, fractions summing to 1 (e.g. BTC=0.5). Leave empty to set targets over the API later.").
				Value(&targetsRaw).
				Validate(validateTargets),
		),
	).Run()
	if err != nil {
		return err
	}

	targets, _ := parseTargets(targetsRaw)

	// confirmation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FOLIO CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Venue: %s\nOwner: %s\nListen: %s\nData: %s\nTolerance: %s%%\nMax iterations: %s\nTargets: %d currencies\n",
		venue, owner, listen, dataDir, toleranceStr, maxIterationsStr, len(targets),
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	callTimeout, _ := time.ParseDuration(callTimeoutStr)
	maxIterations := 30
	fmt.Sscanf(maxIterationsStr, "%d", &maxIterations)

	cfg := generatedConfig{
		Venue:            venue,
		Owner:            owner,
		ExchangeURL:      exchangeURL,
		Listen:           listen,
		DataDir:          dataDir,
		MaxIterations:    maxIterations,
		TolerancePercent: toleranceStr,
		CallTimeout:      callTimeout,
		Targets:          targets,
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(
		fmt.Sprintf("\n✓ Configuration saved to %s\nRun: folio --config %s", filename, filename)))
	return nil
}

func validatePercent(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("must be between 0 and 100")
	}
	return nil
}

func validateTargets(s string) error {
	targets, err := parseTargets(s)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	sum := decimal.Zero
	for currency, raw := range targets {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: fraction must be a number", currency)
		}
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s: fraction must be within [0, 1]", currency)
		}
		sum = sum.Add(pct)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.New(1, -9)) {
		return fmt.Errorf("fractions sum to %s, must sum to 1", sum)
	}
	return nil
}

func parseTargets(s string) (map[string]string, error) {
	targets := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		currency, fraction, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid line %q: must be CURRENCY=FRACTION", line)
		}
		targets[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(fraction)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return targets, nil
}
