package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"licensegate/internal/app"
	"licensegate/internal/config"
	"licensegate/internal/license"
)

type rootOptions struct {
	configFile string
	envFile    string
	// appOptions lets tests replace the browser opener and host identity.
	appOptions app.Options
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   config.AppSlug,
		Short: "Gate an application behind a valid license",
		Long: `licensegate checks the local license before a program starts and walks
the user through online or offline activation when there is none.

Configuration is read from licensegate.yaml (or --config) and LICENSEGATE_*
environment variables.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	root.AddCommand(
		runCmd(opts),
		statusCmd(opts),
		activateCmd(opts),
		deactivateCmd(opts),
		serveCmd(opts),
		versionCmd(),
	)
	return root
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, appOpts app.Options, fn func(ctx context.Context, a *app.Application) error) error {
	cfg, err := config.Load(config.LoadOptions{File: opts.configFile, EnvFile: opts.envFile})
	if err != nil {
		return err
	}
	if appOpts.Opener == nil {
		appOpts.Opener = opts.appOptions.Opener
	}
	if appOpts.Fingerprint == nil {
		appOpts.Fingerprint = opts.appOptions.Fingerprint
	}
	if appOpts.Logger == nil {
		appOpts.Logger = opts.appOptions.Logger
	}
	if appOpts.Console == nil {
		appOpts.Console = cmd.ErrOrStderr()
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, appOpts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored license",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, app.Options{}, func(ctx context.Context, a *app.Application) error {
				lic, err := a.Gate.CurrentLicense(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), statusView(lic, time.Now()))
				}
				printStatus(cmd.OutOrStdout(), lic, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func activateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate this installation",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "online",
		Short: "Activate in the browser and wait for the licensing service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, app.Options{}, func(ctx context.Context, a *app.Application) error {
				fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for the activation to complete in the browser...")
				lic, err := a.Gate.StartActivation(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Activated license %s\n", license.MaskID(lic.ID))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "device-token",
		Short: "Write the device token to upload to the license portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, app.Options{}, func(ctx context.Context, a *app.Application) error {
				path, err := a.Gate.GenerateDeviceToken(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Device token written to %s\n", path)
				fmt.Fprintln(cmd.OutOrStdout(), "Upload it to the license portal and import the license file it returns.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a signed license file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readTokenFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, app.Options{}, func(ctx context.Context, a *app.Application) error {
				lic, err := a.Gate.SelectLicenseToken(ctx, token)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported license %s\n", license.MaskID(lic.ID))
				return nil
			})
		},
	})
	return cmd
}

func deactivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Delete the local license",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, app.Options{}, func(ctx context.Context, a *app.Application) error {
				if err := a.Gate.Deactivate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "License removed")
				return nil
			})
		},
	}
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the activation surface without running the gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, app.Options{}, func(ctx context.Context, a *app.Application) error {
				return a.Serve(ctx)
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", config.AppSlug, app.Version, app.BuildID)
		},
	}
}

func readTokenFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read license file: %w", err)
	}
	if info.Size() > config.MaxLicenseTokenSize {
		return nil, fmt.Errorf("license file %s is larger than %d bytes", path, config.MaxLicenseTokenSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read license file: %w", err)
	}
	return data, nil
}

type licenseStatus struct {
	Activated        bool       `json:"activated"`
	ID               string     `json:"id,omitempty"`
	ActivationMethod string     `json:"activation_method,omitempty"`
	Product          string     `json:"product,omitempty"`
	IssuedTo         string     `json:"issued_to,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Expired          bool       `json:"expired"`
}

func statusView(lic *license.License, now time.Time) licenseStatus {
	if lic == nil {
		return licenseStatus{}
	}
	return licenseStatus{
		Activated:        true,
		ID:               license.MaskID(lic.ID),
		ActivationMethod: string(lic.ActivationMethod),
		Product:          lic.Product.ID,
		IssuedTo:         lic.IssuedTo.Name,
		ExpiresAt:        lic.ExpiresAt,
		Expired:          lic.Expired(now),
	}
}

func printStatus(w io.Writer, lic *license.License, now time.Time) {
	if lic == nil {
		fmt.Fprintln(w, "No license. Run `licensegate activate` to activate this installation.")
		return
	}
	s := statusView(lic, now)
	fmt.Fprintf(w, "License:   %s\n", s.ID)
	fmt.Fprintf(w, "Product:   %s\n", s.Product)
	fmt.Fprintf(w, "Issued to: %s\n", s.IssuedTo)
	fmt.Fprintf(w, "Method:    %s\n", s.ActivationMethod)
	switch {
	case s.ExpiresAt == nil:
		fmt.Fprintln(w, "Expires:   never")
	case s.Expired:
		fmt.Fprintf(w, "Expires:   %s (expired)\n", s.ExpiresAt.Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "Expires:   %s\n", s.ExpiresAt.Format(time.RFC3339))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
