package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"orbmesh/config"
	"orbmesh/internal/db"
	"orbmesh/internal/geo"
	"orbmesh/internal/logs"
	"orbmesh/internal/meshsrv"
	"orbmesh/internal/pki"
	"orbmesh/internal/provision"
	"orbmesh/internal/secretbox"
	"orbmesh/server"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "orbmesh",
		Short:         "orbmesh - mesh device provisioning and tunnel control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml/toml/json); env ORBMESH_* overrides")

	rootCmd.AddCommand(serveCmd(), manufactureCmd(), caCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane, outbox worker and scheduled jobs",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			a := &server.App{}
			if err := a.Initialize(cfg); err != nil {
				return err
			}
			return a.Run()
		},
	}
}

func manufactureCmd() *cobra.Command {
	var (
		count        int
		model, batch string
		fpFile       string
	)
	cmd := &cobra.Command{
		Use:   "manufacture",
		Short: "Generate a batch of device identities and print them as CSV (secrets are shown once)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var fps []string
			if fpFile != "" {
				if fps, err = readLines(fpFile); err != nil {
					return err
				}
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			devs, err := reg.GenerateDeviceIdentities(cmd.Context(), count, model, batch, fps)
			if err != nil {
				return err
			}
			return provision.WriteCSV(cmd.OutOrStdout(), devs)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of devices")
	cmd.Flags().StringVar(&model, "model", "", "device model")
	cmd.Flags().StringVar(&batch, "batch", "", "manufacturing batch")
	cmd.Flags().StringVar(&fpFile, "fingerprints", "", "file with one hardware fingerprint per line")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

// openRegistry — только то, что нужно для выпуска партии, без HTTP и CA.
func openRegistry(cfg *config.Config) (*provision.Registry, error) {
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, db.Options{LogSQL: cfg.Database.LogSQL})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	box, err := secretbox.New(cfg.Security.DataKey)
	if err != nil {
		return nil, err
	}
	servers := meshsrv.NewRegistry(d, box, meshsrv.Options{SigningSecret: cfg.Security.JWTSigningSecret})
	return provision.NewRegistry(d, servers, geo.Static(geo.Unknown), provision.Options{
		BcryptCost: cfg.Provision.BcryptCost,
		MaxBatch:   cfg.Provision.MaxBatch,
	}), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			out = append(out, s)
		}
	}
	return out, sc.Err()
}

func caCmd() *cobra.Command {
	ca := &cobra.Command{Use: "ca", Short: "Certificate authority tools"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the configured CA subject, fingerprint and PEM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := pki.New(pki.Options{
				CertPEM: cfg.CA.CertPEM, KeyPEM: cfg.CA.KeyPEM,
				CertFile: cfg.CA.CertFile, KeyFile: cfg.CA.KeyFile,
				ValidityDays: cfg.CA.ValidityDays, Production: cfg.CA.Production,
				RootKeyBits: cfg.CA.RootKeyBits,
			})
			if err != nil {
				return err
			}
			pemStr, err := a.CACertificatePEM()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.Generated() {
				fmt.Fprintln(out, "# no CA configured: this root is ephemeral, run `orbmesh ca init`")
			}
			fmt.Fprintf(out, "subject:     %s\nfingerprint: %s\n%s", a.Subject(), a.Fingerprint(), pemStr)
			return nil
		},
	}

	var (
		outDir string
		bits   int
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a root CA and write ca.crt / ca.key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(filepath.Join(outDir, "ca.key")); err == nil {
				return fmt.Errorf("%s/ca.key already exists", outDir)
			}
			a, err := pki.New(pki.Options{RootKeyBits: bits})
			if err != nil {
				return err
			}
			certPath, keyPath, err := a.Save(outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nkey:         %s\nfingerprint: %s\n", certPath, keyPath, a.Fingerprint())
			return nil
		},
	}
	initCmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	initCmd.Flags().IntVar(&bits, "bits", 4096, "root RSA key size")

	ca.AddCommand(show, initCmd)
	return ca
}
