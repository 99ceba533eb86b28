package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheusHen/tether/tether/bytecode"
	"github.com/TheusHen/tether/tether/clock"
)

// parseOpCodes accepts opcode names and family names; a family stands
// for all of its opcodes.
func parseOpCodes(names []string) ([]bytecode.OpCode, error) {
	var out []bytecode.OpCode
	for _, name := range names {
		if op, err := bytecode.ParseOpCode(name); err == nil {
			out = append(out, op)
			continue
		}
		f, err := bytecode.ParseFamily(name)
		if err != nil {
			return nil, fmt.Errorf("unknown opcode or family %q", name)
		}
		for _, op := range bytecode.OpCodes() {
			if op.Family() == f {
				out = append(out, op)
			}
		}
	}
	return out, nil
}

func grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <relationship> <opcode|family>...",
		Short: "Allow a relationship to run opcodes",
		Long: "Grants take effect in a running daemon at its next snapshot.\n" +
			"Families: system, llm, image, file, compute, status.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clk := clock.Real()
			km, err := openKeyring(clk)
			if err != nil {
				return err
			}
			c, err := resolve(km, args[0])
			if err != nil {
				return err
			}
			ops, err := parseOpCodes(args[1:])
			if err != nil {
				return err
			}
			perms, db, err := openPermissions(clk)
			if err != nil {
				return err
			}
			defer db.Close()
			for _, op := range ops {
				if err := perms.Grant(c.ID, op); err != nil {
					return err
				}
				fmt.Printf("Granted %s to %s.\n", op, c.Nickname)
			}
			return nil
		},
	}
}

func revokeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "revoke <relationship> [opcode|family]...",
		Short: "Withdraw opcodes from a relationship",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) < 2 {
				return fmt.Errorf("name opcodes to revoke or pass --all")
			}
			clk := clock.Real()
			km, err := openKeyring(clk)
			if err != nil {
				return err
			}
			c, err := resolve(km, args[0])
			if err != nil {
				return err
			}
			perms, db, err := openPermissions(clk)
			if err != nil {
				return err
			}
			defer db.Close()

			if all {
				n, err := perms.RevokeAll(c.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Revoked %d grants from %s.\n", n, c.Nickname)
				return nil
			}
			ops, err := parseOpCodes(args[1:])
			if err != nil {
				return err
			}
			for _, op := range ops {
				if err := perms.Revoke(c.ID, op); err != nil {
					return err
				}
				fmt.Printf("Revoked %s from %s.\n", op, c.Nickname)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "revoke every grant")
	return cmd
}
