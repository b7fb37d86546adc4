package app

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-authserver/internal/config"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/security"
)

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the persisted token signing keys",
	}
	keysCmd.AddCommand(
		&cobra.Command{
			Use:   "rotate",
			Short: "Generate a new signing key and retire the current one",
			Long: `Generates a new signing key in the configured key directory. Running servers
start signing with it after SIGHUP; tokens signed with the retired key keep
verifying until they expire.`,
			Args: cobra.NoArgs,
			RunE: runKeysRotate,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the signing keys",
			Args:  cobra.NoArgs,
			RunE:  runKeysList,
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Delete retired keys that no longer verify any token",
			Args:  cobra.NoArgs,
			RunE:  runKeysPrune,
		},
	)
	return keysCmd
}

// newKeyStore opens the key directory, or returns nil when keys are not persisted
func newKeyStore(cfg *config.Config) (keys.KeyStore, error) {
	if cfg.Keys.Dir == "" {
		return nil, nil
	}
	var encryptor *security.Encryptor
	if cfg.Keys.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Keys.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid keys encryption key: %w", err)
		}
		encryptor, err = security.NewEncryptor(key)
		if err != nil {
			return nil, err
		}
	}
	return keys.NewFileStore(cfg.Keys.Dir, encryptor)
}

// newPersistentKeyManager opens the key directory for the offline key commands
func newPersistentKeyManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*keys.Manager, error) {
	if cfg.Keys.Dir == "" {
		return nil, fmt.Errorf("keys.dir must be configured to manage persisted keys")
	}
	store, err := newKeyStore(cfg)
	if err != nil {
		return nil, err
	}
	return keys.NewManager(ctx, keys.Config{
		Algorithm:        cfg.Keys.Algorithm,
		Store:            store,
		MaxTokenLifetime: cfg.Keys.MaxTokenLifetime,
		Logger:           logger,
		Auditor:          security.NewAuditor(logger, cfg.Audit),
	})
}

func runKeysRotate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	km, err := newPersistentKeyManager(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	key, err := km.Rotate(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "new signing key %s (%s)\n", key.KeyID, key.Algorithm)
	return nil
}

func runKeysList(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	km, err := newPersistentKeyManager(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tALGORITHM\tCREATED\tRETIRED")
	for _, k := range km.Keys() {
		retired := "-"
		if k.IsRetired() {
			retired = k.RetiredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.KeyID, k.Algorithm, k.CreatedAt.Format(time.RFC3339), retired)
	}
	return w.Flush()
}

func runKeysPrune(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	km, err := newPersistentKeyManager(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	n, err := km.Prune(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d keys\n", n)
	return nil
}
