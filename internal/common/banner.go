package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("WHOTRACKSME TELEMETRY CLIENT")
	b.PrintCenteredText("privacy-preserving page & tracker telemetry")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Storage", config.Storage.Badger.Path, 15)
	b.PrintKeyValue("Quorum", config.Quorum.BaseURL, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("quorum_base_url", config.Quorum.BaseURL).
		Str("whitelist_cdn_url", config.Whitelist.CDNBaseURL).
		Msg("Telemetry client started")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the enabled pipelines.
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Pipelines:\n")
	fmt.Printf("   - page pipeline (doublefetch + quorum consent)\n")
	fmt.Printf("   - token/key telemetry pipeline (whitelist-gated aggregation)\n")
	fmt.Printf("   - country sanitizer, activity estimator, alive heartbeat\n")

	allowed := len(config.Country.AllowList)

	logger.Info().
		Int("country_allow_list_size", allowed).
		Str("storage_backend", "badger").
		Msg("Pipelines enabled")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("TELEMETRY CLIENT")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("Telemetry client shutting down")
}

// PrintColorizedMessage prints a message with the specified color. It does
// not log; the logger argument is unused.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}
