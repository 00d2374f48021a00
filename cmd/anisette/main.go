// Command anisette is a small CLI around the provider: initialize a
// session from an Apple Music APK or a library bundle, fetch Anisette
// headers, and save/reload session state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anisette-go/provider/internal/anisette"
	"github.com/anisette-go/provider/internal/logging"
	"github.com/anisette-go/provider/internal/provision"
)

var (
	debug     bool
	spimURL   string
	cpimURL   string
	sourceURL string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "anisette",
		Short: "Generate Apple Anisette authentication headers",
		Long: `anisette loads the two proprietary ADI shared objects shipped inside the
Apple Music Android APK into an in-process ARM64 sandbox and drives them
through the provisioning and one-time-password protocol Apple's identity
services expect.`,
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "verbose debug logging")

	initCmd := &cobra.Command{
		Use:   "init <apk-or-bundle> <session.tar>",
		Short: "Create a new session from an APK or library bundle",
		Args:  cobra.ExactArgs(2),
		RunE:  runInit,
	}
	initCmd.Flags().StringVar(&sourceURL, "url", "", "download the library bundle from this URL instead of reading a file")

	headersCmd := &cobra.Command{
		Use:   "headers <session.tar>",
		Short: "Provision if needed and print Anisette headers as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runHeaders,
	}
	headersCmd.Flags().StringVar(&spimURL, "spim-url", "", "provisioning server SPIM endpoint")
	headersCmd.Flags().StringVar(&cpimURL, "cpim-url", "", "provisioning server CPIM endpoint")

	infoCmd := &cobra.Command{
		Use:   "info <apk-or-bundle>",
		Short: "Show loaded library base/entry/symbol counts",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	rootCmd.AddCommand(initCmd, headersCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newConfig() anisette.Config {
	logging.Init(debug)
	return anisette.Config{
		Logger: logging.L,
		Server: provision.ServerConfig{
			SPIMURL: spimURL,
			CPIMURL: cpimURL,
		},
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	source, outPath := args[0], args[1]
	cfg := newConfig()

	var (
		session *anisette.Session
		err     error
	)
	if sourceURL != "" {
		session, err = anisette.InitFromURL(cmd.Context(), nil, sourceURL, cfg)
	} else {
		f, ferr := os.Open(source)
		if ferr != nil {
			return fmt.Errorf("open %s: %w", source, ferr)
		}
		defer f.Close()
		session, err = anisette.InitFromReader(f, cfg)
	}
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer session.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	if err := session.SaveAll(out); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session saved to %s\n", outPath)
	return nil
}

func runHeaders(cmd *cobra.Command, args []string) error {
	session, err := loadSession(args[0])
	if err != nil {
		return err
	}
	defer session.Close()

	headers, err := session.GetData(context.Background())
	if err != nil {
		return fmt.Errorf("get data: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(headers)
}

func runInfo(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer f.Close()

	session, err := anisette.InitFromReader(f, newConfig())
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer session.Close()

	for _, lib := range session.LoadedLibraries() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: base=0x%x entry=0x%x symbols=%d\n",
			lib.Path, lib.Base, lib.Entry, lib.Symbols)
	}
	return nil
}

func loadSession(path string) (*anisette.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	session, err := anisette.Load(newConfig(), f)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}
