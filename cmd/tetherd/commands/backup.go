package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/tether/tether/clock"
	"github.com/TheusHen/tether/tether/config"
	"github.com/TheusHen/tether/tether/relationship"
)

const backupPassphraseEnv = config.EnvPrefix + "BACKUP_PASSPHRASE"

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write every relationship to a passphrase-encrypted backup",
		Long:  "The backup passphrase is read from " + backupPassphraseEnv + " or prompted for.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clk := clock.Real()
			km, err := openKeyring(clk)
			if err != nil {
				return err
			}
			pass, err := readSecret(backupPassphraseEnv, "Backup passphrase: ")
			if err != nil {
				return err
			}
			meta, err := km.Store().Backup(args[0], pass, clk.Now(), relationship.BackupOptions{})
			if err != nil {
				return err
			}
			fmt.Printf("Backed up %d relationships to %s (checksum %s).\n", meta.RelationshipCount, args[0], meta.Checksum[:16])
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var verifyOnly bool
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore relationships from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := readSecret(backupPassphraseEnv, "Backup passphrase: ")
			if err != nil {
				return err
			}
			if verifyOnly {
				meta, _, err := relationship.ReadBackup(args[0], pass)
				if err != nil {
					return err
				}
				fmt.Printf("Backup from %s holds %d relationships; checksum verified.\n",
					meta.CreatedAt.Local().Format("2006-01-02 15:04"), meta.RelationshipCount)
				return nil
			}
			km, err := openKeyring(clock.Real())
			if err != nil {
				return err
			}
			meta, err := km.Store().Restore(args[0], pass)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d relationships. Grants are not part of backups; re-grant as needed.\n", meta.RelationshipCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verifyOnly, "verify", false, "check the backup without restoring it")
	return cmd
}
